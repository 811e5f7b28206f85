package dedup

import (
	"math"
	"regexp"
	"strings"

	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
)

var hueNames = [12]string{
	"red", "orange", "yellow", "chartreuse", "green", "spring",
	"cyan", "azure", "blue", "violet", "magenta", "rose",
}

// Features describes a token beyond its literal value. The keys are stable
// and become both embedding text and TokenEmbedding metadata.
func Features(t model.TokenItem) map[string]string {
	f := map[string]string{"type": string(t.Type)}
	switch t.Type {
	case model.TokenTypeColor:
		colorFeatures(t.Value, f)
	case model.TokenTypeSpacing:
		if px, ok := extract.LengthPx(t.Value); ok {
			spacingFeatures(px, f)
		}
	case model.TokenTypeTypography:
		typographyFeatures(t, f)
	case model.TokenTypeShadow:
		shadowFeatures(t.Value, f)
	case model.TokenTypeRadius:
		if px, ok := extract.LengthPx(t.Value); ok {
			f["shape"] = radiusShape(px, t.Value)
		}
	case model.TokenTypeComponent:
		if kind := componentKind(t.Name); kind != "" {
			f["component"] = kind
		}
	}
	return f
}

func colorFeatures(value string, f map[string]string) {
	c, alpha, ok := extract.ParseColor(value)
	if !ok {
		return
	}
	h, s, _ := c.Hsv()
	l, _, _ := c.Lab()
	f["hex"] = c.Clamped().Hex()
	f["hue"] = hueNames[int(math.Mod(h+15, 360)/30)%12]
	switch {
	case l >= 0.7:
		f["brightness"] = "light"
	case l <= 0.35:
		f["brightness"] = "dark"
	default:
		f["brightness"] = "mid"
	}
	switch {
	case s < 0.1:
		f["saturation"] = "neutral"
		f["hue"] = "gray"
	case s < 0.5:
		f["saturation"] = "muted"
	default:
		f["saturation"] = "vivid"
	}
	if alpha < 1 {
		f["alpha"] = "translucent"
	}
}

func spacingFeatures(px float64, f map[string]string) {
	f["px"] = extract.FormatPx(px)
	switch {
	case math.Mod(px, 8) == 0:
		f["grid"] = "8"
	case math.Mod(px, 4) == 0:
		f["grid"] = "4"
	default:
		f["grid"] = "off"
	}
	f["size"] = sizeBucket(px, []float64{4, 12, 24, 48}, []string{"xs", "sm", "md", "lg", "xl"})
}

func typographyFeatures(t model.TokenItem, f map[string]string) {
	v := strings.ToLower(t.Value)
	name := strings.ToLower(t.Name)
	switch {
	case strings.Contains(name, "family") || !strings.ContainsAny(v, "0123456789"):
		f["family"] = familyClass(v)
	case strings.Contains(name, "weight") || isWeight(v):
		f["weight"] = weightClass(v)
	default:
		if px, ok := extract.LengthPx(v); ok {
			f["size"] = sizeBucket(px, []float64{13, 17, 24, 40}, []string{"caption", "body", "large", "heading", "display"})
		}
	}
}

func familyClass(v string) string {
	switch {
	case strings.Contains(v, "mono") || strings.Contains(v, "code") || strings.Contains(v, "courier") || strings.Contains(v, "consol"):
		return "mono"
	case strings.Contains(v, "sans") || strings.Contains(v, "helvet") || strings.Contains(v, "arial") ||
		strings.Contains(v, "inter") || strings.Contains(v, "roboto") || strings.Contains(v, "system"):
		return "sans"
	case strings.Contains(v, "serif") || strings.Contains(v, "georgia") || strings.Contains(v, "times") || strings.Contains(v, "garamond"):
		return "serif"
	}
	return "sans"
}

func isWeight(v string) bool {
	if len(v) != 3 || !strings.HasSuffix(v, "00") {
		return false
	}
	return v[0] >= '1' && v[0] <= '9'
}

func weightClass(v string) string {
	switch {
	case v < "400":
		return "light"
	case v < "600":
		return "regular"
	}
	return "bold"
}

var parenGroup = regexp.MustCompile(`\([^)]*\)`)

func shadowFeatures(v string, f map[string]string) {
	if topLevelCommas(v) > 0 {
		f["layers"] = "layered"
	} else {
		f["layers"] = "single"
	}
	first := firstLayer(v)
	// Offsets, then blur, among the bare lengths of the first layer.
	var lengths []float64
	for _, field := range strings.Fields(parenGroup.ReplaceAllString(first, " ")) {
		if px, ok := extract.LengthPx(field); ok {
			lengths = append(lengths, px)
		}
	}
	f["edge"] = "hard"
	if len(lengths) >= 3 && lengths[2] >= 8 {
		f["edge"] = "soft"
	}
	if strings.Contains(v, "inset") {
		f["inset"] = "inset"
	}
}

func firstLayer(v string) string {
	depth := 0
	for i, r := range v {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return v[:i]
			}
		}
	}
	return v
}

func topLevelCommas(v string) int {
	depth, n := 0, 0
	for _, r := range v {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				n++
			}
		}
	}
	return n
}

func radiusShape(px float64, raw string) string {
	switch {
	case strings.Contains(raw, "%") || px >= 999:
		return "pill"
	case px == 0:
		return "sharp"
	case px <= 4:
		return "subtle"
	}
	return "rounded"
}

func componentKind(name string) string {
	for _, k := range []string{"button", "input", "card", "badge", "nav"} {
		if strings.Contains(name, k) {
			return k
		}
	}
	return ""
}

func sizeBucket(v float64, bounds []float64, names []string) string {
	for i, b := range bounds {
		if v <= b {
			return names[i]
		}
	}
	return names[len(names)-1]
}

// CanonicalText is the text embedded for a token: name, value, type, then
// features in fixed key order.
func CanonicalText(t model.TokenItem) string {
	f := Features(t)
	parts := []string{strings.TrimSpace(t.Name), strings.TrimSpace(t.Value), string(t.Type)}
	for _, k := range featureOrder {
		if v, ok := f[k]; ok {
			parts = append(parts, k+" "+v)
		}
	}
	return strings.Join(parts, " | ")
}

var featureOrder = []string{
	"hex", "hue", "brightness", "saturation", "alpha",
	"px", "grid", "size", "family", "weight",
	"layers", "edge", "inset", "shape", "component",
}
