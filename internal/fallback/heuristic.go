package fallback

import (
	"hash/fnv"
	"net/url"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
)

// heuristicConfidence is the confidence reported for URL-only guesses.
const heuristicConfidence = 20

type platformHint struct {
	match      func(host, path string) bool
	platform   string
	frameworks []string
}

func hostSuffix(suffix string) func(string, string) bool {
	return func(host, _ string) bool { return strings.HasSuffix(host, suffix) }
}

var platformHints = []platformHint{
	{hostSuffix(".myshopify.com"), "shopify", []string{"liquid"}},
	{hostSuffix(".wordpress.com"), "wordpress", []string{"php"}},
	{func(_, path string) bool { return strings.Contains(path, "/wp-") }, "wordpress", []string{"php"}},
	{hostSuffix(".webflow.io"), "webflow", nil},
	{hostSuffix(".wixsite.com"), "wix", nil},
	{hostSuffix(".squarespace.com"), "squarespace", nil},
	{hostSuffix(".vercel.app"), "vercel", []string{"next.js", "react"}},
	{hostSuffix(".netlify.app"), "netlify", []string{"jamstack"}},
	{hostSuffix(".github.io"), "github-pages", []string{"jekyll"}},
	{hostSuffix(".notion.site"), "notion", nil},
	{hostSuffix(".framer.website"), "framer", []string{"react"}},
	{hostSuffix(".pages.dev"), "cloudflare-pages", []string{"jamstack"}},
}

// Industry keywords nudge the guessed primary hue.
var hueHints = []struct {
	words []string
	hue   float64
}{
	{[]string{"bank", "finance", "capital", "law", "legal", "insur", "health", "med", "clinic"}, 215},
	{[]string{"eco", "green", "farm", "garden", "organic", "solar"}, 140},
	{[]string{"food", "pizza", "burger", "cafe", "kitchen", "bakery"}, 15},
	{[]string{"tech", "cloud", "data", "dev", "ai", "soft"}, 255},
	{[]string{"kids", "toy", "play", "fun"}, 45},
	{[]string{"beauty", "spa", "salon", "fashion"}, 330},
}

// Heuristic builds a low-confidence result from the URL alone. It never fails.
func Heuristic(failed model.ExtractionResult, sc *model.ScanContext) model.ExtractionResult {
	host, path := sc.Domain, ""
	if u, err := url.Parse(sc.URL); err == nil {
		if host == "" {
			host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
		path = strings.ToLower(u.Path)
	}

	data := extract.HeuristicData{
		Heuristic:  true,
		Domain:     host,
		Palette:    guessPalette(host),
		Confidence: heuristicConfidence,
		Reason:     failed.Error,
	}
	for _, h := range platformHints {
		if h.match(host, path) {
			data.Platform = h.platform
			data.FrameworkHints = h.frameworks
			break
		}
	}

	res := model.ExtractionResult{
		ScanID:        sc.ID,
		StrategyName:  extract.StrategyHeuristic,
		Success:       true,
		Attempts:      1,
		Recovered:     true,
		RecoveredFrom: failed.StrategyName,
	}
	m, size, err := extract.ToData(data)
	if err != nil {
		zap.L().Warn("fallback: encode heuristic data", zap.Error(err))
		m = map[string]any{"heuristic": true}
	}
	res.Data = m
	res.Performance.DataSizeBytes = size
	return res
}

// guessPalette returns a primary, a darker accent and two neutrals.
func guessPalette(host string) []string {
	name := host
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	hue := -1.0
	for _, h := range hueHints {
		for _, w := range h.words {
			if strings.Contains(name, w) {
				hue = h.hue
				break
			}
		}
		if hue >= 0 {
			break
		}
	}
	if hue < 0 {
		f := fnv.New32a()
		_, _ = f.Write([]byte(host))
		hue = float64(f.Sum32() % 360)
	}
	primary := colorful.Hsv(hue, 0.65, 0.75)
	accent := colorful.Hsv(hue, 0.75, 0.45)
	return []string{primary.Clamped().Hex(), accent.Clamped().Hex(), "#111827", "#ffffff"}
}
