package cost

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Compression stage names, in the order they run.
const (
	StageRedundancy    = "redundancy_removal"
	StageSummarize     = "value_summarization"
	StageStructural    = "structural_compression"
	StagePatterns      = "pattern_consolidation"
	StageKeyInsights   = "key_insight_extraction"
	legendKey          = "_keys"
	commonKey          = "_common"
	itemsKey           = "_items"
	wrappedKey         = "_data"
	minSeriesLen       = 4
	defaultSummarizeAt = 8
	defaultInsightTopN = 50
)

// StageMetric records the token count around one stage.
type StageMetric struct {
	Name         string `json:"name"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
}

// CompressionResult is the outcome of Compress.
type CompressionResult struct {
	Text              string        `json:"text"`
	OriginalTokens    int           `json:"original_tokens"`
	CompressedTokens  int           `json:"compressed_tokens"`
	Ratio             float64       `json:"ratio"`     // compressed / original
	Reduction         float64       `json:"reduction"` // 1 - ratio
	TechniquesApplied []string      `json:"techniques_applied"`
	QualityScore      float64       `json:"quality_score"`
	PreservedFields   []string      `json:"preserved_fields"`
	Stages            []StageMetric `json:"stages"`
}

// TokensReduced returns how many tokens compression removed.
func (r CompressionResult) TokensReduced() int {
	return r.OriginalTokens - r.CompressedTokens
}

type compressor struct {
	preserve    map[string]bool
	summarizeAt int
	topN        int
	aliases     map[string]string // original key -> alias
}

// Compress shrinks text toward targetRatio reduction (0.5 = remove half the
// tokens) while keeping the preserve fields intact. JSON input is compressed
// structurally; anything else line by line. Stages stop once the target is met.
func (o *Optimizer) Compress(text string, preserve []string, targetRatio float64) CompressionResult {
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = 0.5
	}
	c := &compressor{
		preserve:    make(map[string]bool, len(preserve)),
		summarizeAt: o.summarizeAt,
		topN:        o.insightTopN,
		aliases:     make(map[string]string),
	}
	for _, p := range preserve {
		c.preserve[p] = true
	}

	res := CompressionResult{OriginalTokens: ApproxTokens(text)}
	if res.OriginalTokens == 0 {
		res.Text = text
		res.Ratio = 1
		res.QualityScore = 100
		return res
	}

	var stages []stage
	if doc, ok := decodeJSON(text); ok {
		stages = c.jsonStages(doc, strings.Contains(strings.TrimSpace(text), "\n"))
	} else {
		stages = c.textStages(text)
	}

	current := text
	tokens := res.OriginalTokens
	for _, st := range stages {
		next, changed := st.run()
		if !changed || next == current {
			continue
		}
		after := ApproxTokens(next)
		if after > tokens {
			// Legend overhead can outweigh savings on tiny payloads.
			continue
		}
		res.Stages = append(res.Stages, StageMetric{Name: st.name, TokensBefore: tokens, TokensAfter: after})
		res.TechniquesApplied = append(res.TechniquesApplied, st.name)
		current, tokens = next, after
		if 1-float64(tokens)/float64(res.OriginalTokens) >= targetRatio {
			break
		}
	}

	res.Text = current
	res.CompressedTokens = tokens
	res.Ratio = float64(tokens) / float64(res.OriginalTokens)
	res.Reduction = 1 - res.Ratio
	for _, f := range preserve {
		if fieldPresent(text, f) && fieldPresent(current, f) {
			res.PreservedFields = append(res.PreservedFields, f)
		}
	}
	res.QualityScore = compressionQuality(res.Reduction, targetRatio, len(res.PreservedFields))
	return res
}

func compressionQuality(reduction, target float64, preserved int) float64 {
	q := 100.0
	if reduction > 0.9 {
		q -= 40
	}
	if reduction < 0.3 && reduction < target {
		q += 10
	}
	bonus := float64(preserved) * 5
	if bonus > 20 {
		bonus = 20
	}
	q += bonus
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}

func fieldPresent(text, field string) bool {
	if field == "" {
		return false
	}
	if gjson.Valid(text) && gjson.Get(text, field).Exists() {
		return true
	}
	if strings.Contains(text, `"`+field+`"`) {
		return true
	}
	return !gjson.Valid(text) && strings.Contains(text, field)
}

type stage struct {
	name string
	run  func() (string, bool)
}

// --- JSON stages ---

func (c *compressor) jsonStages(doc any, pretty bool) []stage {
	render := c.renderCompact
	if pretty {
		render = func(v any) string {
			b, _ := json.MarshalIndent(v, "", "  ")
			return string(b)
		}
	}
	state := doc
	apply := func(f func(any) (any, bool), render func(any) string) func() (string, bool) {
		return func() (string, bool) {
			next, changed := f(state)
			if !changed {
				return "", false
			}
			state = next
			return render(state), true
		}
	}

	return []stage{
		{name: StageRedundancy, run: apply(c.dedupeArrays, render)},
		{name: StageSummarize, run: apply(c.hoistCommon, render)},
		{name: StageStructural, run: func() (string, bool) {
			state = c.shortenKeys(state)
			return c.renderCompact(state), true
		}},
		{name: StagePatterns, run: apply(c.consolidateSeries, c.renderCompact)},
		{name: StageKeyInsights, run: apply(c.keepInsights, c.renderCompact)},
	}
}

func decodeJSON(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func canonical(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// dedupeArrays removes repeated items from every array.
func (c *compressor) dedupeArrays(v any) (any, bool) {
	changed := false
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				t[k] = walk(child)
			}
			return t
		case []any:
			seen := make(map[string]bool, len(t))
			out := t[:0:0]
			for _, item := range t {
				item = walk(item)
				key := canonical(item)
				if seen[key] {
					changed = true
					continue
				}
				seen[key] = true
				out = append(out, item)
			}
			return out
		default:
			return v
		}
	}
	return walk(v), changed
}

// hoistCommon moves fields shared by every object of a long array into a
// single _common object.
func (c *compressor) hoistCommon(v any) (any, bool) {
	changed := false
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				t[k] = walk(child)
			}
			return t
		case []any:
			for i := range t {
				t[i] = walk(t[i])
			}
			if len(t) < c.summarizeAt {
				return t
			}
			common := commonFields(t)
			if len(common) == 0 {
				return t
			}
			for _, item := range t {
				obj := item.(map[string]any)
				for k := range common {
					delete(obj, k)
				}
			}
			changed = true
			return map[string]any{commonKey: common, itemsKey: t}
		default:
			return v
		}
	}
	return walk(v), changed
}

func commonFields(items []any) map[string]any {
	first, ok := items[0].(map[string]any)
	if !ok {
		return nil
	}
	common := make(map[string]any)
	for k, v := range first {
		common[k] = v
	}
	for _, item := range items[1:] {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		for k, v := range common {
			other, has := obj[k]
			if !has || canonical(other) != canonical(v) {
				delete(common, k)
			}
		}
		if len(common) == 0 {
			return nil
		}
	}
	return common
}

// shortenKeys replaces long, frequent keys outside the preserve list with
// short aliases. The legend is attached when rendering.
func (c *compressor) shortenKeys(v any) any {
	counts := make(map[string]int)
	var count func(any)
	count = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				counts[k]++
				count(child)
			}
		case []any:
			for _, item := range t {
				count(item)
			}
		}
	}
	count(v)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	next := 0
	for _, k := range keys {
		if c.preserve[k] || strings.HasPrefix(k, "_") || len(k) <= 3 {
			continue
		}
		alias := "k" + strconv.Itoa(next)
		saved := (len(k) - len(alias)) * counts[k]
		if saved <= len(k)+len(alias)+6 {
			continue
		}
		c.aliases[k] = alias
		next++
	}
	if len(c.aliases) == 0 {
		return v
	}

	var rename func(any) any
	rename = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, child := range t {
				if a, ok := c.aliases[k]; ok {
					k = a
				}
				out[k] = rename(child)
			}
			return out
		case []any:
			for i := range t {
				t[i] = rename(t[i])
			}
			return t
		default:
			return v
		}
	}
	return rename(v)
}

func (c *compressor) renderCompact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if len(c.aliases) > 0 {
		if _, isObj := v.(map[string]any); !isObj {
			v = map[string]any{wrappedKey: v}
		}
	}
	_ = enc.Encode(v)
	out := strings.TrimSpace(buf.String())
	if len(c.aliases) == 0 {
		return out
	}
	legend := make(map[string]string, len(c.aliases))
	for orig, alias := range c.aliases {
		legend[alias] = orig
	}
	withLegend, err := sjson.SetRaw(out, legendKey, canonical(legend))
	if err != nil {
		return out
	}
	return withLegend
}

var seriesPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)(px|rem|em|%|ms|s)?$`)

// consolidateSeries collapses arithmetic progressions of numbers or
// unit-suffixed numbers into a single descriptor string.
func (c *compressor) consolidateSeries(v any) (any, bool) {
	changed := false
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				t[k] = walk(child)
			}
			return t
		case []any:
			if s, ok := asSeries(t); ok {
				changed = true
				return s
			}
			for i := range t {
				t[i] = walk(t[i])
			}
			return t
		default:
			return v
		}
	}
	return walk(v), changed
}

func asSeries(items []any) (string, bool) {
	if len(items) < minSeriesLen {
		return "", false
	}
	vals := make([]float64, len(items))
	unit := ""
	for i, item := range items {
		var raw string
		switch t := item.(type) {
		case json.Number:
			raw = t.String()
		case string:
			raw = t
		default:
			return "", false
		}
		m := seriesPattern.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			return "", false
		}
		if i == 0 {
			unit = m[2]
		} else if m[2] != unit {
			return "", false
		}
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", false
		}
		vals[i] = f
	}
	step := vals[1] - vals[0]
	if step == 0 {
		return "", false
	}
	for i := 2; i < len(vals); i++ {
		if d := vals[i] - vals[i-1]; d-step > 1e-9 || step-d > 1e-9 {
			return "", false
		}
	}
	return fmt.Sprintf("series(%s%s..%s%s step %s%s n=%d)",
		fmtNum(vals[0]), unit, fmtNum(vals[len(vals)-1]), unit, fmtNum(step), unit, len(vals)), true
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var usageKeys = []string{"usage_count", "usageCount", "usage", "count", "frequency"}

// keepInsights trims long object arrays to the top-N items by usage, always
// keeping items that carry a preserved field, and drops empty values.
func (c *compressor) keepInsights(v any) (any, bool) {
	changed := false
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				if k == legendKey {
					continue
				}
				if isEmpty(child) && !c.preserve[c.original(k)] {
					delete(t, k)
					changed = true
					continue
				}
				t[k] = walk(child)
			}
			return t
		case []any:
			for i := range t {
				t[i] = walk(t[i])
			}
			if len(t) <= c.topN {
				return t
			}
			kept := c.topByUsage(t)
			if len(kept) < len(t) {
				changed = true
			}
			return kept
		default:
			return v
		}
	}
	return walk(v), changed
}

func (c *compressor) topByUsage(items []any) []any {
	type ranked struct {
		idx   int
		usage float64
		pin   bool
	}
	rs := make([]ranked, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return items
		}
		r := ranked{idx: i}
		for k, val := range obj {
			orig := c.original(k)
			if c.preserve[orig] && !isEmpty(val) {
				r.pin = true
			}
			for _, uk := range usageKeys {
				if orig == uk {
					if n, ok := val.(json.Number); ok {
						r.usage, _ = n.Float64()
					}
				}
			}
		}
		rs = append(rs, r)
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].usage > rs[j].usage })

	keep := make(map[int]bool)
	for i, r := range rs {
		if i < c.topN || r.pin {
			keep[r.idx] = true
		}
	}
	out := make([]any, 0, len(keep))
	for i, item := range items {
		if keep[i] {
			out = append(out, item)
		}
	}
	return out
}

func (c *compressor) original(key string) string {
	for orig, alias := range c.aliases {
		if alias == key {
			return orig
		}
	}
	return key
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// --- text stages ---

var spaceRun = regexp.MustCompile(`[ \t]+`)

func (c *compressor) textStages(text string) []stage {
	lines := strings.Split(text, "\n")
	join := func() string { return strings.Join(lines, "\n") }

	return []stage{
		{name: StageRedundancy, run: func() (string, bool) {
			seen := make(map[string]bool, len(lines))
			out := lines[:0:0]
			for _, l := range lines {
				key := strings.TrimSpace(l)
				if key != "" && seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, l)
			}
			changed := len(out) < len(lines)
			lines = out
			return join(), changed
		}},
		{name: StageStructural, run: func() (string, bool) {
			out := lines[:0:0]
			for _, l := range lines {
				l = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
				if l == "" {
					continue
				}
				out = append(out, l)
			}
			before := join()
			lines = out
			after := join()
			return after, after != before
		}},
		{name: StageKeyInsights, run: func() (string, bool) {
			if len(lines) <= c.topN {
				return "", false
			}
			out := make([]string, 0, c.topN)
			for i, l := range lines {
				if i < c.topN || c.mentionsPreserved(l) {
					out = append(out, l)
				}
			}
			changed := len(out) < len(lines)
			lines = out
			return join(), changed
		}},
	}
}

func (c *compressor) mentionsPreserved(line string) bool {
	for f := range c.preserve {
		if strings.Contains(line, f) {
			return true
		}
	}
	return false
}
