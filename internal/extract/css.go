package extract

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Declaration is one property: value pair from a style block.
type Declaration struct {
	Selector string
	Property string
	Value    string
}

var (
	commentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	ruleRe    = regexp.MustCompile(`([^{}]+)\{([^{}]*)\}`)
)

// ParseDeclarations returns every declaration in css. At-rule wrappers such
// as @media are flattened; keyframe steps are kept with their step selector.
func ParseDeclarations(css string) []Declaration {
	css = commentRe.ReplaceAllString(css, "")
	var out []Declaration
	for _, m := range ruleRe.FindAllStringSubmatch(css, -1) {
		selector := strings.TrimSpace(m[1])
		if i := strings.LastIndexAny(selector, ";}"); i >= 0 {
			selector = strings.TrimSpace(selector[i+1:])
		}
		for _, part := range splitDecls(m[2]) {
			prop, val, ok := strings.Cut(part, ":")
			if !ok {
				continue
			}
			prop = strings.ToLower(strings.TrimSpace(prop))
			val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important"))
			if prop == "" || val == "" {
				continue
			}
			out = append(out, Declaration{Selector: selector, Property: prop, Value: strings.TrimSpace(val)})
		}
	}
	return out
}

// splitDecls splits on semicolons outside parentheses, so data URIs and
// color functions survive.
func splitDecls(body string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ';':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	if start < len(body) {
		parts = append(parts, body[start:])
	}
	return parts
}

var colorTokenRe = regexp.MustCompile(`(?i)#[0-9a-f]{3,8}\b|(?:rgba?|hsla?)\([^)]*\)`)

// ColorsIn returns the color literals that appear in a value.
func ColorsIn(value string) []string {
	found := colorTokenRe.FindAllString(value, -1)
	for _, word := range strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return r == ' ' || r == ',' || r == '(' || r == ')' || r == '/'
	}) {
		if _, ok := namedColors[word]; ok {
			found = append(found, word)
		}
	}
	return found
}

var namedColors = map[string]string{
	"black":   "#000000",
	"white":   "#ffffff",
	"red":     "#ff0000",
	"green":   "#008000",
	"blue":    "#0000ff",
	"yellow":  "#ffff00",
	"orange":  "#ffa500",
	"purple":  "#800080",
	"gray":    "#808080",
	"grey":    "#808080",
	"silver":  "#c0c0c0",
	"navy":    "#000080",
	"teal":    "#008080",
	"maroon":  "#800000",
	"olive":   "#808000",
	"lime":    "#00ff00",
	"aqua":    "#00ffff",
	"fuchsia": "#ff00ff",
}

// ParseColor parses hex, rgb(a), hsl(a) and basic named colors. alpha is 1
// for opaque colors.
func ParseColor(s string) (c colorful.Color, alpha float64, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if hex, named := namedColors[s]; named {
		s = hex
	}
	switch {
	case strings.HasPrefix(s, "#"):
		return parseHex(s)
	case strings.HasPrefix(s, "rgb"):
		nums, ok := funcArgs(s)
		if !ok || len(nums) < 3 {
			return c, 0, false
		}
		alpha = 1
		if len(nums) > 3 {
			alpha = nums[3]
		}
		return colorful.Color{R: clamp01(nums[0] / 255), G: clamp01(nums[1] / 255), B: clamp01(nums[2] / 255)}, clamp01(alpha), true
	case strings.HasPrefix(s, "hsl"):
		nums, ok := funcArgs(s)
		if !ok || len(nums) < 3 {
			return c, 0, false
		}
		alpha = 1
		if len(nums) > 3 {
			alpha = nums[3]
		}
		return colorful.Hsl(math.Mod(nums[0], 360), clamp01(nums[1]/100), clamp01(nums[2]/100)), clamp01(alpha), true
	}
	return c, 0, false
}

func parseHex(s string) (colorful.Color, float64, bool) {
	h := strings.TrimPrefix(s, "#")
	alpha := 1.0
	switch len(h) {
	case 4:
		a, err := strconv.ParseUint(strings.Repeat(h[3:], 2), 16, 8)
		if err != nil {
			return colorful.Color{}, 0, false
		}
		alpha = float64(a) / 255
		h = h[:3]
	case 8:
		a, err := strconv.ParseUint(h[6:], 16, 8)
		if err != nil {
			return colorful.Color{}, 0, false
		}
		alpha = float64(a) / 255
		h = h[:6]
	case 3, 6:
	default:
		return colorful.Color{}, 0, false
	}
	c, err := colorful.Hex("#" + h)
	if err != nil {
		return colorful.Color{}, 0, false
	}
	return c, alpha, true
}

// funcArgs parses "rgb(1, 2, 3 / 50%)" style arguments. Percentages are
// returned as 0–100 except for the alpha slot, which becomes 0–1.
func funcArgs(s string) ([]float64, bool) {
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open < 0 || end <= open {
		return nil, false
	}
	fields := strings.FieldsFunc(s[open+1:end], func(r rune) bool {
		return r == ',' || r == ' ' || r == '/'
	})
	out := make([]float64, 0, len(fields))
	for i, f := range fields {
		pct := strings.HasSuffix(f, "%")
		f = strings.TrimSuffix(strings.TrimSuffix(f, "%"), "deg")
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		if i == 3 && pct {
			v /= 100
		}
		if i < 3 && pct && strings.HasPrefix(s, "rgb") {
			v = v * 255 / 100
		}
		out = append(out, v)
	}
	return out, true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// NormalizeColor renders a color as lower-case #rrggbb, or #rrggbbaa when
// translucent. Fully transparent and unparseable colors return "".
func NormalizeColor(s string) string {
	c, alpha, ok := ParseColor(s)
	if !ok || alpha == 0 {
		return ""
	}
	hex := c.Clamped().Hex()
	if alpha < 1 {
		hex += fmt.Sprintf("%02x", int(math.Round(alpha*255)))
	}
	return hex
}

// RelativeLuminance is the WCAG relative luminance of c.
func RelativeLuminance(c colorful.Color) float64 {
	r, g, b := c.Clamped().LinearRgb()
	return 0.2126*r + 0.7152*g + 0.0722*b
}

// ContrastRatio is the WCAG contrast ratio between two colors, 1–21.
func ContrastRatio(a, b colorful.Color) float64 {
	la, lb := RelativeLuminance(a), RelativeLuminance(b)
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

var lengthRe = regexp.MustCompile(`^(-?\d*\.?\d+)(px|rem|em)$`)

// LengthPx converts a px, rem or em length to pixels at a 16px root.
func LengthPx(v string) (float64, bool) {
	m := lengthRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(v)))
	if m == nil {
		if strings.TrimSpace(v) == "0" {
			return 0, true
		}
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] != "px" {
		f *= 16
	}
	return f, true
}

// FormatPx renders a pixel length without trailing zeros.
func FormatPx(px float64) string {
	return strconv.FormatFloat(math.Round(px*100)/100, 'f', -1, 64) + "px"
}
