package pipeline

import (
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/processor"
)

// Score weights.
const (
	completenessQualityWeight  = 0.6
	completenessCoverageWeight = 0.4
	recoveredPenalty           = 3.0
	heuristicPenalty           = 10.0
	emergencyValidationFactor  = 0.3
)

// Variable prefixes that identify CSS frameworks.
var frameworkPrefixes = map[string]string{
	"--tw-":     "tailwind",
	"--bs-":     "bootstrap",
	"--mui-":    "mui",
	"--chakra-": "chakra",
	"--mdc-":    "material",
}

// isHeuristic reports whether r was inferred from the URL alone.
func isHeuristic(r model.ExtractionResult) bool {
	if r.StrategyName == extract.StrategyHeuristic {
		return true
	}
	h, _ := r.Data["heuristic"].(bool)
	return h
}

// effective treats heuristic guesses as failures for status and quality.
func effective(results []model.ExtractionResult) []model.ExtractionResult {
	out := make([]model.ExtractionResult, len(results))
	for i, r := range results {
		if isHeuristic(r) {
			r.Success = false
			if r.RecoveredFrom != "" {
				r.StrategyName = r.RecoveredFrom
			}
		}
		out[i] = r
	}
	return out
}

// decodeLatest decodes the last successful result of the named strategy.
func decodeLatest[T any](scan *model.ScanResult, strategy string) *T {
	for i := len(scan.Results) - 1; i >= 0; i-- {
		r := scan.Results[i]
		if !r.Success || isHeuristic(r) || r.StrategyName != strategy {
			continue
		}
		var v T
		if err := extract.Decode(r.Data, &v); err != nil {
			zap.L().Debug("pipeline: decode strategy data", zap.String("strategy", strategy), zap.Error(err))
			return nil
		}
		return &v
	}
	return nil
}

// detectFrameworks collects framework hints from CSS variable names and URL
// heuristics.
func detectFrameworks(scan *model.ScanResult) []string {
	found := make(map[string]bool)
	for _, r := range scan.Results {
		if !r.Success {
			continue
		}
		switch {
		case r.StrategyName == extract.StrategyCSSVariables:
			var data extract.CSSVariablesData
			if extract.Decode(r.Data, &data) != nil {
				continue
			}
			for _, v := range data.Variables {
				name := strings.ToLower(v.Name)
				for prefix, fw := range frameworkPrefixes {
					if strings.HasPrefix(name, prefix) {
						found[fw] = true
					}
				}
			}
		case isHeuristic(r):
			var data extract.HeuristicData
			if extract.Decode(r.Data, &data) != nil {
				continue
			}
			for _, fw := range data.FrameworkHints {
				found[strings.ToLower(fw)] = true
			}
		}
	}
	out := make([]string, 0, len(found))
	for fw := range found {
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}

// accessibilityReport merges measured accessibility data with the palette's
// contrast against plain white and black text.
func accessibilityReport(scan *model.ScanResult, ts *model.TokenSet) *AccessibilityReport {
	rep := &AccessibilityReport{}
	if data := decodeLatest[extract.AccessibilityData](scan, extract.StrategyAccessibility); data != nil {
		rep.AccessibilityData = *data
		rep.Measured = true
	}
	if ts != nil {
		for _, c := range ts.Colors {
			for _, bg := range []string{"#ffffff", "#000000"} {
				if pair, ok := extract.EvaluateContrast(c.Value, bg, 16, 400); ok {
					pair.Selector = c.Name
					rep.PaletteContrast = append(rep.PaletteContrast, pair)
				}
			}
		}
	}
	if !rep.Measured && len(rep.PaletteContrast) == 0 {
		return nil
	}

	// A color usable on at least one plain background counts as passing.
	palettePass := 0.0
	if n := len(rep.PaletteContrast); n > 0 {
		passing := 0
		for i := 0; i+1 < n; i += 2 {
			if rep.PaletteContrast[i].PassesAA || rep.PaletteContrast[i+1].PassesAA {
				passing++
			}
		}
		palettePass = 100 * float64(passing) / float64(n/2)
	}
	contrast, alt := 100*rep.ContrastPassRate, 100*rep.AltCoverage
	switch {
	case rep.Measured && len(rep.PaletteContrast) > 0:
		rep.Score = 0.5*contrast + 0.2*alt + 0.3*palettePass
	case rep.Measured:
		rep.Score = 0.7*contrast + 0.3*alt
	default:
		rep.Score = palettePass
	}
	rep.Score = clamp100(rep.Score)
	return rep
}

// completeness blends extraction quality with token-type coverage.
func completeness(dataQuality float64, ts *model.TokenSet) float64 {
	coverage := 0.0
	if ts != nil {
		coverage = 100 * float64(ts.TypesCovered()) / float64(len(model.AllTokenTypes()))
	}
	return clamp100(completenessQualityWeight*dataQuality + completenessCoverageWeight*coverage)
}

// reliability is the share of strategies that produced real data, less a
// penalty per recovered strategy and a larger one per URL-only guess.
func reliability(results []model.ExtractionResult) float64 {
	if len(results) == 0 {
		return 0
	}
	good, recovered, guessed := 0, 0, 0
	for _, r := range results {
		switch {
		case isHeuristic(r):
			guessed++
		case r.Success && r.Recovered:
			good++
			recovered++
		case r.Success:
			good++
		}
	}
	score := 100*float64(good)/float64(len(results)) -
		recoveredPenalty*float64(recovered) - heuristicPenalty*float64(guessed)
	return clamp100(score)
}

// confidence is the mean token confidence scaled by how cleanly the
// organized output validated.
func confidence(ts *model.TokenSet, out *processor.Output) float64 {
	if ts == nil {
		return 0
	}
	all := ts.All()
	if len(all) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range all {
		sum += t.Confidence
	}
	mean := sum / float64(len(all))

	factor := emergencyValidationFactor
	if out != nil && !out.Emergency && out.Validation != nil {
		factor = out.Validation.Confidence / 100
	}
	return clamp100(mean * factor)
}

func clamp100(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(min(max(v, 0), 100)*10) / 10
}
