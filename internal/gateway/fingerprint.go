package gateway

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sells-group/designscan/internal/ai"
)

// FingerprintResult is the salient feature set of a prompt and its hash.
type FingerprintResult struct {
	Hash     string
	Features []string
}

var (
	urlPattern      = regexp.MustCompile(`https?://([^/\s"'<>]+)`)
	violationCode   = regexp.MustCompile(`\[([a-z_]+)\]`)
	frameworkHints  = []string{"tailwind", "bootstrap", "mui", "chakra"}
	frameworkAlias  = map[string]string{"material-ui": "mui", "@mui": "mui", "tw-": "tailwind", "btn-primary": "bootstrap"}
	countBucketTops = []int{0, 5, 15, 40}
	countBuckets    = []string{"0", "1-5", "6-15", "16-40", "41+"}
)

// Fingerprint extracts the operation's salient features from the prompt.
// Features are order-independent and insensitive to whitespace and JSON
// formatting, so near-identical prompts produce the same hash.
func Fingerprint(req Request) FingerprintResult {
	op := operationOf(req)
	feats := map[string]bool{"op:" + op: true}
	lower := strings.ToLower(req.Prompt)

	if d := domainOf(req.Prompt); d != "" {
		feats["domain:"+d] = true
	}

	switch op {
	case OpOrganize, OpDedup, OpAudit:
		doc := jsonDocument(req.Prompt)
		for typ, n := range countTypes(doc) {
			feats["count:"+typ+":"+bucket(n)] = true
		}
		for _, c := range topValues(doc, "color", 3) {
			feats["top-color:"+c] = true
		}
		if op == OpDedup {
			feats["total:"+bucket(countItems(doc))] = true
		}
		for _, fw := range frameworks(lower) {
			feats["framework:"+fw] = true
		}
		if len(feats) <= 2 {
			feats["text:"+hashParts(normalizeText(req.Prompt))] = true
		}
	case OpRepair:
		for _, m := range violationCode.FindAllStringSubmatch(req.Prompt, -1) {
			feats["violation:"+m[1]] = true
		}
		feats["text:"+hashParts(normalizeText(req.Prompt))] = true
	default:
		feats["text:"+hashParts(normalizeText(req.Prompt))] = true
	}

	out := make([]string, 0, len(feats))
	for f := range feats {
		out = append(out, f)
	}
	sort.Strings(out)
	return FingerprintResult{Hash: hashParts(out...), Features: out}
}

// Jaccard is |a ∩ b| / |a ∪ b| over two feature sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	inter, union := 0, len(set)
	seen := make(map[string]bool, len(b))
	for _, f := range b {
		if seen[f] {
			continue
		}
		seen[f] = true
		if set[f] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func bucket(n int) string {
	for i, top := range countBucketTops {
		if n <= top {
			return countBuckets[i]
		}
	}
	return countBuckets[len(countBuckets)-1]
}

func domainOf(prompt string) string {
	if doc := jsonDocument(prompt); doc.Exists() {
		for _, path := range []string{"domain", "url", "metadata.domain", "metadata.url"} {
			if v := doc.Get(path).String(); v != "" {
				if host := hostOf(v); host != "" {
					return host
				}
			}
		}
	}
	if m := urlPattern.FindStringSubmatch(prompt); m != nil {
		return strings.TrimPrefix(strings.ToLower(m[1]), "www.")
	}
	return ""
}

func hostOf(v string) string {
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// jsonDocument returns the first JSON document embedded in the prompt.
func jsonDocument(prompt string) gjson.Result {
	if gjson.Valid(prompt) {
		return gjson.Parse(prompt)
	}
	start := strings.IndexAny(prompt, "{[")
	if start < 0 {
		return gjson.Result{}
	}
	candidate := ai.CleanJSON(prompt[start:])
	if !gjson.Valid(candidate) {
		return gjson.Result{}
	}
	return gjson.Parse(candidate)
}

// countTypes counts objects carrying a "type" field anywhere in doc.
func countTypes(doc gjson.Result) map[string]int {
	counts := make(map[string]int)
	eachObject(doc, func(obj gjson.Result) {
		if t := obj.Get("type"); t.Type == gjson.String {
			counts[strings.ToLower(t.String())]++
		}
	})
	return counts
}

func countItems(doc gjson.Result) int {
	n := 0
	eachObject(doc, func(obj gjson.Result) {
		if obj.Get("value").Exists() {
			n++
		}
	})
	return n
}

// topValues returns the n most used values of objects of type typ, ordered
// by usage then value.
func topValues(doc gjson.Result, typ string, n int) []string {
	usage := make(map[string]int64)
	eachObject(doc, func(obj gjson.Result) {
		if obj.Get("type").String() != typ {
			return
		}
		v := strings.ToLower(strings.TrimSpace(obj.Get("value").String()))
		if v == "" {
			return
		}
		u := obj.Get("usage_count").Int()
		if u == 0 {
			u = obj.Get("usageCount").Int()
		}
		usage[v] += max(u, 1)
	})
	vals := make([]string, 0, len(usage))
	for v := range usage {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool {
		if usage[vals[i]] != usage[vals[j]] {
			return usage[vals[i]] > usage[vals[j]]
		}
		return vals[i] < vals[j]
	})
	return vals[:min(n, len(vals))]
}

func eachObject(r gjson.Result, fn func(gjson.Result)) {
	switch {
	case r.IsObject():
		fn(r)
		r.ForEach(func(_, v gjson.Result) bool {
			eachObject(v, fn)
			return true
		})
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			eachObject(v, fn)
			return true
		})
	}
}

func frameworks(lower string) []string {
	found := make(map[string]bool)
	for _, fw := range frameworkHints {
		if strings.Contains(lower, fw) {
			found[fw] = true
		}
	}
	for alias, fw := range frameworkAlias {
		if strings.Contains(lower, alias) {
			found[fw] = true
		}
	}
	out := make([]string, 0, len(found))
	for fw := range found {
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
