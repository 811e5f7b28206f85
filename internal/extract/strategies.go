package extract

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
	"github.com/sells-group/designscan/pkg/browser"
)

// Conditional is implemented by strategies that only run for some options.
type Conditional interface {
	Enabled(opts model.ScanOptions) bool
}

// StaticCSSData is the output of the static-css strategy.
type StaticCSSData struct {
	URL string `json:"url"`
	Collection
}

// StaticCSS fetches the page over HTTP and collects every style block.
type StaticCSS struct{}

// Name implements Strategy.
func (StaticCSS) Name() string { return StrategyStaticCSS }

// Extract implements Strategy.
func (StaticCSS) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	col, err := env.Styles(ctx, sc)
	if err != nil {
		return nil, err
	}
	if len(col.Blocks) == 0 {
		return nil, resilience.NewLowYieldError(0, 1)
	}
	return StaticCSSData{URL: sc.URL, Collection: *col}, nil
}

// ElementStyle is the computed style of one element.
type ElementStyle struct {
	Selector string            `json:"selector"`
	Tag      string            `json:"tag"`
	Role     string            `json:"role,omitempty"`
	Classes  []string          `json:"classes,omitempty"`
	Text     string            `json:"text,omitempty"`
	Styles   map[string]string `json:"styles"`
}

// ComputedStylesData is the output of the computed-styles strategy.
type ComputedStylesData struct {
	Elements []ElementStyle `json:"elements"`
}

const (
	computedElementLimit = 250
	minComputedElements  = 3
)

// ComputedStyles reads resolved styles of representative elements.
type ComputedStyles struct{}

// Name implements Strategy.
func (ComputedStyles) Name() string { return StrategyComputedStyles }

// Extract implements Strategy.
func (ComputedStyles) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	if err != nil {
		return nil, err
	}
	var out ComputedStylesData
	if err := browser.EvaluateInto(ctx, b, &out, computedStylesScript, computedElementLimit, styleProps); err != nil {
		return nil, eris.Wrap(err, "extract: computed styles")
	}
	if len(out.Elements) < minComputedElements {
		return nil, resilience.NewLowYieldError(len(out.Elements), minComputedElements)
	}
	return out, nil
}

// Variable is one CSS custom property.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Scope string `json:"scope"`
}

// CSSVariablesData is the output of the css-variables strategy.
type CSSVariablesData struct {
	Variables []Variable `json:"variables"`
	Source    string     `json:"source"`
}

// CSSVariables collects custom properties, resolved in the browser when one is
// available and parsed from static styles otherwise.
type CSSVariables struct{}

// Name implements Strategy.
func (CSSVariables) Name() string { return StrategyCSSVariables }

// Extract implements Strategy.
func (CSSVariables) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	switch {
	case err == nil:
		var out CSSVariablesData
		if err := browser.EvaluateInto(ctx, b, &out, cssVariablesScript); err != nil {
			return nil, eris.Wrap(err, "extract: css variables")
		}
		out.Source = "browser"
		if len(out.Variables) == 0 {
			return nil, resilience.NewLowYieldError(0, 1)
		}
		return out, nil
	case !eris.Is(err, ErrNoBrowser):
		return nil, err
	}

	col, err := env.Styles(ctx, sc)
	if err != nil {
		return nil, err
	}
	out := CSSVariablesData{Variables: staticVariables(col.Blocks), Source: "static"}
	if len(out.Variables) == 0 {
		return nil, resilience.NewLowYieldError(0, 1)
	}
	return out, nil
}

func staticVariables(blocks []StyleBlock) []Variable {
	seen := make(map[string]bool)
	var out []Variable
	for _, b := range blocks {
		for _, d := range ParseDeclarations(b.Text) {
			if !strings.HasPrefix(d.Property, "--") {
				continue
			}
			key := d.Selector + "|" + d.Property
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Variable{Name: d.Property, Value: d.Value, Scope: d.Selector})
		}
	}
	return out
}

// CoverageSheet summarizes rule usage of one stylesheet.
type CoverageSheet struct {
	StyleSheetID string `json:"stylesheet_id"`
	URL          string `json:"url,omitempty"`
	TotalBytes   int    `json:"total_bytes"`
	UsedBytes    int    `json:"used_bytes"`
}

// CoverageData is the output of the coverage strategy.
type CoverageData struct {
	Sheets     []CoverageSheet `json:"sheets"`
	Blocks     []StyleBlock    `json:"blocks"`
	TotalBytes int             `json:"total_bytes"`
	UsedBytes  int             `json:"used_bytes"`
	UsedRatio  float64         `json:"used_ratio"`
}

// Coverage reloads the page with CSS rule tracking and keeps only used rules.
type Coverage struct{}

// Name implements Strategy.
func (Coverage) Name() string { return StrategyCoverage }

// Enabled implements Conditional.
func (Coverage) Enabled(opts model.ScanOptions) bool { return opts.IncludeCoverage }

// Extract implements Strategy.
func (Coverage) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	if err != nil {
		return nil, err
	}
	if err := b.StartCoverage(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: start coverage")
	}
	reloadErr := env.Reload(ctx, sc)
	entries, err := b.StopCoverage(ctx)
	if reloadErr != nil {
		return nil, reloadErr
	}
	if err != nil {
		return nil, eris.Wrap(err, "extract: stop coverage")
	}
	return coverageData(entries), nil
}

func coverageData(entries []browser.CoverageEntry) CoverageData {
	var out CoverageData
	for _, e := range entries {
		var used strings.Builder
		for _, r := range e.Ranges {
			start, end := max(r.Start, 0), min(r.End, len(e.Text))
			if end <= start {
				continue
			}
			used.WriteString(e.Text[start:end])
			used.WriteByte('\n')
		}
		sheet := CoverageSheet{
			StyleSheetID: e.StyleSheetID,
			URL:          e.URL,
			TotalBytes:   len(e.Text),
			UsedBytes:    e.UsedBytes(),
		}
		out.Sheets = append(out.Sheets, sheet)
		out.TotalBytes += sheet.TotalBytes
		out.UsedBytes += sheet.UsedBytes
		if text := strings.TrimSpace(used.String()); text != "" {
			source := e.URL
			if source == "" {
				source = "stylesheet:" + e.StyleSheetID
			}
			out.Blocks = append(out.Blocks, NewStyleBlock(source, OriginCoverage, text))
		}
	}
	out.Blocks = DedupeBlocks(out.Blocks)
	if out.TotalBytes > 0 {
		out.UsedRatio = float64(out.UsedBytes) / float64(out.TotalBytes)
	}
	return out
}

// InteractiveElement holds the style deltas of one element per state.
type InteractiveElement struct {
	Selector string            `json:"selector"`
	Tag      string            `json:"tag"`
	Text     string            `json:"text,omitempty"`
	Base     map[string]string `json:"base"`
	Hover    map[string]string `json:"hover,omitempty"`
	Focus    map[string]string `json:"focus,omitempty"`
	Active   map[string]string `json:"active,omitempty"`
}

// InteractiveData is the output of the interactive-states strategy.
type InteractiveData struct {
	Elements []InteractiveElement `json:"elements"`
}

const interactiveLimit = 12

// stateProps are the properties compared across interaction states.
var stateProps = []string{
	"color", "background-color", "border-color", "box-shadow",
	"outline", "text-decoration", "opacity", "transform",
}

// InteractiveStates hovers, focuses and clicks buttons and links and records
// how their styles change.
type InteractiveStates struct{}

// Name implements Strategy.
func (InteractiveStates) Name() string { return StrategyInteractive }

// Enabled implements Conditional.
func (InteractiveStates) Enabled(opts model.ScanOptions) bool { return opts.IncludeInteractive }

type interactiveCandidate struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Type     string `json:"type"`
	Text     string `json:"text"`
}

// Extract implements Strategy.
func (InteractiveStates) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	if err != nil {
		return nil, err
	}
	var candidates []interactiveCandidate
	if err := browser.EvaluateInto(ctx, b, &candidates, interactiveCandidatesScript, interactiveLimit); err != nil {
		return nil, eris.Wrap(err, "extract: interactive candidates")
	}
	if len(candidates) == 0 {
		return nil, resilience.NewLowYieldError(0, 1)
	}

	var out InteractiveData
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		el := InteractiveElement{Selector: c.Selector, Tag: c.Tag, Text: c.Text}
		if err := browser.EvaluateInto(ctx, b, &el.Base, stateStylesScript, c.Selector, stateProps); err != nil {
			zap.L().Debug("extract: base styles", zap.String("selector", c.Selector), zap.Error(err))
			continue
		}

		if err := b.Hover(ctx, c.Selector); err == nil {
			var hover map[string]string
			if err := browser.EvaluateInto(ctx, b, &hover, stateStylesScript, c.Selector, stateProps); err == nil {
				el.Hover = styleDelta(el.Base, hover)
			}
		}

		var focus map[string]string
		if err := browser.EvaluateInto(ctx, b, &focus, focusStylesScript, c.Selector, stateProps); err == nil {
			el.Focus = styleDelta(el.Base, focus)
		}

		// Links and submit buttons would navigate away.
		if c.Tag == "button" && c.Type != "submit" {
			if err := b.Click(ctx, c.Selector); err == nil {
				var active map[string]string
				if err := browser.EvaluateInto(ctx, b, &active, stateStylesScript, c.Selector, stateProps); err == nil {
					el.Active = styleDelta(el.Base, active)
				}
			}
		}
		out.Elements = append(out.Elements, el)
	}
	if len(out.Elements) == 0 {
		return nil, resilience.NewLowYieldError(0, 1)
	}
	return out, nil
}

// styleDelta returns the properties of next that differ from base.
func styleDelta(base, next map[string]string) map[string]string {
	var out map[string]string
	for k, v := range next {
		if base[k] == v {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out
}

// ViewportLayout is the layout measured at one viewport.
type ViewportLayout struct {
	Name           string  `json:"name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	ContainerWidth float64 `json:"container_width"`
	GridContainers int     `json:"grid_containers"`
	FlexContainers int     `json:"flex_containers"`
	MaxColumns     int     `json:"max_columns"`
	ScrollWidth    int     `json:"scroll_width"`
	Overflow       bool    `json:"overflow"`
}

// LayoutData is the output of the layout strategy.
type LayoutData struct {
	Breakpoints []int            `json:"breakpoints"`
	Viewports   []ViewportLayout `json:"viewports"`
}

// Layout measures grid, flex and container widths per viewport and collects
// media query breakpoints.
type Layout struct{}

// Name implements Strategy.
func (Layout) Name() string { return StrategyLayout }

type layoutProbe struct {
	ContainerWidth float64  `json:"container_width"`
	GridContainers int      `json:"grid_containers"`
	FlexContainers int      `json:"flex_containers"`
	MaxColumns     int      `json:"max_columns"`
	ScrollWidth    int      `json:"scroll_width"`
	Media          []string `json:"media"`
}

// Extract implements Strategy.
func (Layout) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	if err != nil {
		return nil, err
	}
	viewports := sc.Viewports
	if len(viewports) == 0 {
		viewports = model.DefaultViewports()
	}

	var (
		out   LayoutData
		media []string
	)
	for _, vp := range viewports {
		if err := b.SetViewport(ctx, browser.Viewport{Width: vp.Width, Height: vp.Height}); err != nil {
			return nil, eris.Wrapf(err, "extract: viewport %s", vp.Name)
		}
		var probe layoutProbe
		if err := browser.EvaluateInto(ctx, b, &probe, layoutScript); err != nil {
			return nil, eris.Wrapf(err, "extract: layout at %s", vp.Name)
		}
		media = append(media, probe.Media...)
		out.Viewports = append(out.Viewports, ViewportLayout{
			Name:           vp.Name,
			Width:          vp.Width,
			Height:         vp.Height,
			ContainerWidth: probe.ContainerWidth,
			GridContainers: probe.GridContainers,
			FlexContainers: probe.FlexContainers,
			MaxColumns:     probe.MaxColumns,
			ScrollWidth:    probe.ScrollWidth,
			Overflow:       probe.ScrollWidth > vp.Width,
		})
	}
	out.Breakpoints = Breakpoints(media)
	return out, nil
}

var breakpointRe = regexp.MustCompile(`(?i)(?:min|max)-width\s*:\s*(\d+(?:\.\d+)?)(px|em|rem)`)

// Breakpoints extracts the sorted distinct width breakpoints, in pixels, from
// media query texts.
func Breakpoints(media []string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range media {
		for _, match := range breakpointRe.FindAllStringSubmatch(m, -1) {
			px, ok := LengthPx(match[1] + strings.ToLower(match[2]))
			if !ok || px <= 0 {
				continue
			}
			v := int(px + 0.5)
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Ints(out)
	return out
}

// BrandData is the output of the brand strategy.
type BrandData struct {
	SiteName   string   `json:"site_name,omitempty"`
	Title      string   `json:"title,omitempty"`
	ThemeColor string   `json:"theme_color,omitempty"`
	OGImage    string   `json:"og_image,omitempty"`
	Logo       string   `json:"logo,omitempty"`
	Favicons   []string `json:"favicons,omitempty"`
	Manifest   string   `json:"manifest,omitempty"`
}

// Brand reads brand assets from the page markup.
type Brand struct{}

// Name implements Strategy.
func (Brand) Name() string { return StrategyBrand }

// Extract implements Strategy.
func (Brand) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	page, err := env.Page(ctx, sc)
	if err != nil {
		return nil, err
	}
	out := BrandFromDocument(page.Doc, page.URL)
	if out.Title == "" && out.SiteName == "" && out.Logo == "" && len(out.Favicons) == 0 {
		return nil, resilience.NewLowYieldError(0, 1)
	}
	return out, nil
}

// BrandFromDocument extracts brand assets from a parsed page.
func BrandFromDocument(doc *goquery.Document, pageURL string) BrandData {
	base, _ := url.Parse(pageURL)
	abs := func(href string) string {
		href = strings.TrimSpace(href)
		if href == "" || base == nil {
			return href
		}
		ref, err := url.Parse(href)
		if err != nil {
			return ""
		}
		return base.ResolveReference(ref).String()
	}
	meta := func(attr, name string) string {
		return strings.TrimSpace(doc.Find(`meta[` + attr + `="` + name + `"]`).First().AttrOr("content", ""))
	}

	out := BrandData{
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		SiteName:   meta("property", "og:site_name"),
		ThemeColor: NormalizeColor(meta("name", "theme-color")),
		OGImage:    abs(meta("property", "og:image")),
		Manifest:   abs(doc.Find(`link[rel="manifest"]`).First().AttrOr("href", "")),
	}
	if out.OGImage == "" {
		out.OGImage = abs(meta("name", "twitter:image"))
	}

	seen := make(map[string]bool)
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if !strings.Contains(rel, "icon") {
			return
		}
		if href := abs(s.AttrOr("href", "")); href != "" && !seen[href] {
			seen[href] = true
			out.Favicons = append(out.Favicons, href)
		}
	})

	doc.Find("img, svg").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		hints := strings.ToLower(strings.Join([]string{
			s.AttrOr("class", ""), s.AttrOr("id", ""), s.AttrOr("alt", ""), s.AttrOr("src", ""),
			s.Parent().AttrOr("class", ""), s.Parent().AttrOr("aria-label", ""),
		}, " "))
		if !strings.Contains(hints, "logo") {
			return true
		}
		if goquery.NodeName(s) == "svg" {
			out.Logo = "inline-svg"
		} else {
			out.Logo = abs(s.AttrOr("src", ""))
		}
		return out.Logo == ""
	})
	return out
}

// ContrastPair is one foreground/background combination and its WCAG result.
type ContrastPair struct {
	Selector   string  `json:"selector"`
	Foreground string  `json:"foreground"`
	Background string  `json:"background"`
	Ratio      float64 `json:"ratio"`
	LargeText  bool    `json:"large_text"`
	PassesAA   bool    `json:"passes_aa"`
}

// AccessibilityData is the output of the accessibility strategy.
type AccessibilityData struct {
	Pairs            []ContrastPair `json:"pairs"`
	ContrastPassRate float64        `json:"contrast_pass_rate"`
	AltCoverage      float64        `json:"alt_coverage"`
	FocusStyleRules  int            `json:"focus_style_rules"`
	Lang             string         `json:"lang,omitempty"`
	Landmarks        int            `json:"landmarks"`
	Issues           []string       `json:"issues,omitempty"`
}

const accessibilityPairLimit = 80

// Accessibility measures text contrast, focus styles and image alt coverage.
type Accessibility struct{}

// Name implements Strategy.
func (Accessibility) Name() string { return StrategyAccessibility }

type accessibilityProbe struct {
	Pairs []struct {
		Selector   string `json:"selector"`
		Color      string `json:"color"`
		Background string `json:"background"`
		FontSize   string `json:"font_size"`
		FontWeight string `json:"font_weight"`
	} `json:"pairs"`
	Images        int    `json:"images"`
	ImagesWithAlt int    `json:"images_with_alt"`
	FocusRules    int    `json:"focus_rules"`
	Lang          string `json:"lang"`
	Landmarks     int    `json:"landmarks"`
}

// Extract implements Strategy.
func (Accessibility) Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error) {
	b, err := env.Browser(ctx, sc)
	if err != nil {
		return nil, err
	}
	var probe accessibilityProbe
	if err := browser.EvaluateInto(ctx, b, &probe, accessibilityScript, accessibilityPairLimit); err != nil {
		return nil, eris.Wrap(err, "extract: accessibility")
	}

	out := AccessibilityData{
		FocusStyleRules: probe.FocusRules,
		Lang:            probe.Lang,
		Landmarks:       probe.Landmarks,
		AltCoverage:     1,
	}
	seen := make(map[string]bool)
	passed := 0
	for _, p := range probe.Pairs {
		weight, _ := strconv.Atoi(p.FontWeight)
		size, _ := LengthPx(p.FontSize)
		pair, ok := EvaluateContrast(p.Color, p.Background, size, weight)
		if !ok {
			continue
		}
		key := pair.Foreground + "|" + pair.Background + "|" + strconv.FormatBool(pair.LargeText)
		if seen[key] {
			continue
		}
		seen[key] = true
		pair.Selector = p.Selector
		if pair.PassesAA {
			passed++
		} else {
			out.Issues = append(out.Issues, "low contrast "+pair.Foreground+" on "+pair.Background+" ("+p.Selector+")")
		}
		out.Pairs = append(out.Pairs, pair)
	}
	if len(out.Pairs) > 0 {
		out.ContrastPassRate = float64(passed) / float64(len(out.Pairs))
	}
	if probe.Images > 0 {
		out.AltCoverage = float64(probe.ImagesWithAlt) / float64(probe.Images)
		if probe.ImagesWithAlt < probe.Images {
			out.Issues = append(out.Issues, strconv.Itoa(probe.Images-probe.ImagesWithAlt)+" images without alt text")
		}
	}
	if probe.FocusRules == 0 {
		out.Issues = append(out.Issues, "no focus styles defined")
	}
	if probe.Lang == "" {
		out.Issues = append(out.Issues, "missing document language")
	}
	return out, nil
}

// EvaluateContrast checks a text color on a background against WCAG AA:
// 4.5:1 for body text, 3:1 for large text (24px, or 18.66px when bold).
func EvaluateContrast(fg, bg string, sizePx float64, weight int) (ContrastPair, bool) {
	fc, fa, ok := ParseColor(fg)
	if !ok || fa == 0 {
		return ContrastPair{}, false
	}
	bc, _, ok := ParseColor(bg)
	if !ok {
		return ContrastPair{}, false
	}
	if fa < 1 {
		fc = fc.BlendRgb(bc, 1-fa)
	}
	large := sizePx >= 24 || (sizePx >= 18.66 && weight >= 700)
	ratio := ContrastRatio(fc, bc)
	required := 4.5
	if large {
		required = 3.0
	}
	return ContrastPair{
		Foreground: fc.Clamped().Hex(),
		Background: bc.Clamped().Hex(),
		Ratio:      float64(int(ratio*100+0.5)) / 100,
		LargeText:  large,
		PassesAA:   ratio >= required,
	}, true
}

// StrategyHeuristic names results inferred from the URL alone when every
// recovery rule is exhausted.
const StrategyHeuristic = "url-heuristic"

// HeuristicData is a low-confidence guess made without page content.
type HeuristicData struct {
	Heuristic      bool     `json:"heuristic"`
	Domain         string   `json:"domain"`
	Platform       string   `json:"platform,omitempty"`
	FrameworkHints []string `json:"framework_hints,omitempty"`
	Palette        []string `json:"palette"`
	Confidence     float64  `json:"confidence"`
	Reason         string   `json:"reason,omitempty"`
}
