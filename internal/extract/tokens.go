package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
)

// Base confidence per token source, before the usage bonus.
var sourceConfidence = map[string]float64{
	"variable":             90,
	StrategyComputedStyles: 80,
	StrategyCoverage:       75,
	StrategyStaticCSS:      65,
	OriginInline:           50,
	StrategyHeuristic:      20,
}

// DeriveTokens turns the successful strategy outputs of a scan into design
// tokens. The same value seen from several sources becomes one token whose
// usage count is the number of sightings and whose name and source come from
// the most trusted sighting.
func DeriveTokens(scan *model.ScanResult) []model.TokenItem {
	if scan == nil {
		return nil
	}
	d := newDeriver()
	for _, r := range scan.Results {
		if !r.Success || r.Data == nil {
			continue
		}
		var err error
		switch r.StrategyName {
		case StrategyStaticCSS:
			var data StaticCSSData
			if err = Decode(r.Data, &data); err == nil {
				d.blocks(data.Blocks, StrategyStaticCSS)
			}
		case StrategyCoverage:
			var data CoverageData
			if err = Decode(r.Data, &data); err == nil {
				d.blocks(data.Blocks, StrategyCoverage)
			}
		case StrategyCSSVariables:
			var data CSSVariablesData
			if err = Decode(r.Data, &data); err == nil {
				for _, v := range data.Variables {
					d.variable(v.Name, v.Value)
				}
			}
		case StrategyHeuristic:
			var data HeuristicData
			if err = Decode(r.Data, &data); err == nil {
				for _, c := range data.Palette {
					if hex := NormalizeColor(c); hex != "" {
						d.add(model.TokenTypeColor, "", "color-"+strings.TrimPrefix(hex, "#"), hex, StrategyHeuristic)
					}
				}
			}
		case StrategyComputedStyles:
			var data ComputedStylesData
			if err = Decode(r.Data, &data); err == nil {
				for _, el := range data.Elements {
					d.element(el)
				}
			}
		}
		if err != nil {
			zap.L().Debug("extract: skip undecodable strategy data", zap.String("strategy", r.StrategyName), zap.Error(err))
		}
	}
	return d.tokens()
}

type tokenAcc struct {
	item model.TokenItem
	base float64
}

type deriver struct {
	byKey map[string]*tokenAcc
}

func newDeriver() *deriver {
	return &deriver{byKey: make(map[string]*tokenAcc)}
}

func (d *deriver) add(typ model.TokenType, kind, name, value, source string) {
	if value == "" {
		return
	}
	base := sourceConfidence[source]
	if base == 0 {
		base = 50
	}
	key := string(typ) + "|" + kind + "|" + value
	acc, ok := d.byKey[key]
	if !ok {
		d.byKey[key] = &tokenAcc{
			item: model.TokenItem{Name: name, Value: value, Type: typ, UsageCount: 1, Source: source},
			base: base,
		}
		return
	}
	acc.item.UsageCount++
	if base > acc.base {
		acc.base = base
		acc.item.Name = name
		acc.item.Source = source
	}
}

func (d *deriver) blocks(blocks []StyleBlock, strategy string) {
	for _, b := range blocks {
		source := strategy
		if b.Origin == OriginInline {
			source = OriginInline
		}
		for _, decl := range ParseDeclarations(b.Text) {
			if strings.HasPrefix(decl.Property, "--") {
				d.variable(decl.Property, decl.Value)
				continue
			}
			d.declaration(decl.Property, decl.Value, source)
		}
	}
}

func (d *deriver) declaration(prop, value, source string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch {
	case prop == "font-family":
		if fam := firstFamily(value); fam != "" {
			d.add(model.TokenTypeTypography, "family", "font-family-"+slug(fam), fam, source)
		}
	case prop == "font-size":
		if px, ok := LengthPx(value); ok && px > 0 {
			v := FormatPx(px)
			d.add(model.TokenTypeTypography, "size", "font-size-"+slug(v), v, source)
		}
	case prop == "font-weight":
		if w := fontWeight(value); w != "" {
			d.add(model.TokenTypeTypography, "weight", "font-weight-"+w, w, source)
		}
	case prop == "border-radius":
		if px, ok := LengthPx(strings.Fields(value)[0]); ok && px > 0 {
			v := FormatPx(px)
			d.add(model.TokenTypeRadius, "", "radius-"+slug(v), v, source)
		}
	case prop == "box-shadow":
		if v := normalizeSpace(value); v != "" && v != "none" && !strings.Contains(v, "var(") {
			d.add(model.TokenTypeShadow, "", "shadow-"+shortHash(v), v, source)
		}
	case isSpacingProp(prop):
		for _, f := range strings.Fields(value) {
			if px, ok := LengthPx(f); ok && px > 0 {
				v := FormatPx(px)
				d.add(model.TokenTypeSpacing, "", "space-"+slug(v), v, source)
			}
		}
	case isColorProp(prop):
		for _, c := range ColorsIn(value) {
			if hex := NormalizeColor(c); hex != "" {
				d.add(model.TokenTypeColor, "", "color-"+strings.TrimPrefix(hex, "#"), hex, source)
			}
		}
	}
}

// variable classifies a custom property by its value and name.
func (d *deriver) variable(name, value string) {
	const source = "variable"
	value = strings.TrimSpace(value)
	n := strings.TrimPrefix(name, "--")
	lower := strings.ToLower(n)
	switch {
	case value == "" || strings.Contains(value, "var("):
		return
	case NormalizeColor(value) != "":
		d.add(model.TokenTypeColor, "", n, NormalizeColor(value), source)
	case strings.Contains(lower, "shadow"):
		d.add(model.TokenTypeShadow, "", n, normalizeSpace(value), source)
	case strings.Contains(lower, "radius") || strings.Contains(lower, "rounded"):
		if px, ok := LengthPx(value); ok {
			d.add(model.TokenTypeRadius, "", n, FormatPx(px), source)
		}
	case strings.Contains(lower, "font") && strings.Contains(lower, "family"):
		if fam := firstFamily(value); fam != "" {
			d.add(model.TokenTypeTypography, "family", n, fam, source)
		}
	case strings.Contains(lower, "font") || strings.Contains(lower, "text"):
		if px, ok := LengthPx(value); ok && px > 0 {
			d.add(model.TokenTypeTypography, "size", n, FormatPx(px), source)
		} else if w := fontWeight(value); w != "" && strings.Contains(lower, "weight") {
			d.add(model.TokenTypeTypography, "weight", n, w, source)
		}
	case strings.Contains(lower, "space") || strings.Contains(lower, "spacing") || strings.Contains(lower, "gap") || strings.Contains(lower, "size"):
		if px, ok := LengthPx(value); ok && px > 0 {
			d.add(model.TokenTypeSpacing, "", n, FormatPx(px), source)
		}
	}
}

func (d *deriver) element(el ElementStyle) {
	for prop, value := range el.Styles {
		d.declaration(prop, value, StrategyComputedStyles)
	}
	kind := componentKind(el)
	if kind == "" {
		return
	}
	var parts []string
	for _, p := range []string{"background-color", "color", "border-radius", "padding", "font-size", "font-weight", "box-shadow"} {
		v := strings.TrimSpace(el.Styles[p])
		if v == "" || v == "none" || v == "normal" || v == "0px" {
			continue
		}
		if hex := NormalizeColor(v); hex != "" {
			v = hex
		} else if strings.Contains(p, "color") {
			continue
		}
		parts = append(parts, p+": "+v)
	}
	if len(parts) > 0 {
		d.add(model.TokenTypeComponent, kind, "component-"+kind, strings.Join(parts, "; "), StrategyComputedStyles)
	}
}

func componentKind(el ElementStyle) string {
	classes := strings.ToLower(strings.Join(el.Classes, " "))
	switch {
	case el.Tag == "button" || el.Role == "button" || strings.Contains(classes, "btn") || strings.Contains(classes, "button"):
		return "button"
	case el.Tag == "input" || el.Tag == "select" || el.Tag == "textarea":
		return "input"
	case strings.Contains(classes, "card"):
		return "card"
	case strings.Contains(classes, "badge") || strings.Contains(classes, "tag") || strings.Contains(classes, "chip"):
		return "badge"
	case el.Tag == "nav":
		return "nav"
	}
	return ""
}

// tokens finalizes confidence and IDs and orders by type, usage, then value.
func (d *deriver) tokens() []model.TokenItem {
	out := make([]model.TokenItem, 0, len(d.byKey))
	for _, acc := range d.byKey {
		t := acc.item
		t.Confidence = min(100, acc.base+min(10, float64(t.UsageCount-1)))
		t.ID = TokenID(t.Type, t.Name, t.Value)
		out = append(out, t)
	}
	rank := make(map[model.TokenType]int)
	for i, typ := range model.AllTokenTypes() {
		rank[typ] = i
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return rank[a.Type] < rank[b.Type]
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.ID < b.ID
	})
	return out
}

// TokenID is the deterministic ID of a token.
func TokenID(typ model.TokenType, name, value string) string {
	sum := sha256.Sum256([]byte(string(typ) + "|" + name + "|" + value))
	return "tok_" + hex.EncodeToString(sum[:6])
}

func isColorProp(prop string) bool {
	return strings.Contains(prop, "color") || prop == "background" || prop == "fill" || prop == "stroke" ||
		prop == "border" || strings.HasPrefix(prop, "border-") && !strings.Contains(prop, "radius") && !strings.Contains(prop, "width")
}

func isSpacingProp(prop string) bool {
	return prop == "gap" || prop == "row-gap" || prop == "column-gap" ||
		strings.HasPrefix(prop, "margin") || strings.HasPrefix(prop, "padding")
}

var genericFamilies = map[string]bool{
	"serif": true, "sans-serif": true, "monospace": true, "cursive": true,
	"system-ui": true, "inherit": true, "initial": true, "-apple-system": true,
}

func firstFamily(value string) string {
	for _, f := range strings.Split(value, ",") {
		f = strings.Trim(strings.TrimSpace(f), `"'`)
		if f != "" && !genericFamilies[strings.ToLower(f)] && !strings.HasPrefix(f, "var(") {
			return f
		}
	}
	return ""
}

func fontWeight(value string) string {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "normal":
		return "400"
	case "bold":
		return "700"
	case "100", "200", "300", "400", "500", "600", "700", "800", "900":
		return v
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune('_')
		case r == ' ' || r == '-':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:3])
}
