package cost

import (
	"math"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/designscan/internal/models"
)

const (
	cachePrefixLen = 256
	maxCountCache  = 10000
)

// TokenCount is the result of a token estimate.
type TokenCount struct {
	Count            int     `json:"count"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Exact            bool    `json:"exact"`
}

// familyEstimator tunes the run-length heuristic to one tokenizer family.
type familyEstimator struct {
	charsPerWordToken float64 // letters per token inside long words
	digitsPerToken    float64
	symbolWeight      float64 // tokens per punctuation rune
	nonASCIIWeight    float64 // tokens per non-ASCII rune
}

var estimators = map[string]familyEstimator{
	"claude": {charsPerWordToken: 4.2, digitsPerToken: 3, symbolWeight: 0.9, nonASCIIWeight: 1.0},
	"gpt":    {charsPerWordToken: 4.0, digitsPerToken: 3, symbolWeight: 0.8, nonASCIIWeight: 0.9},
	"gemini": {charsPerWordToken: 4.5, digitsPerToken: 1, symbolWeight: 0.8, nonASCIIWeight: 0.8},
}

type countKey struct {
	model  string
	prefix string
	length int
}

// Counter estimates token counts and caches them by model, text prefix and
// length. Safe for concurrent use.
type Counter struct {
	mu    sync.Mutex
	cache map[countKey]int
	hits  int
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[countKey]int)}
}

// Count estimates the tokens text consumes as input to profile p.
func (c *Counter) Count(text string, p models.Profile) TokenCount {
	est, exact := estimators[strings.ToLower(p.Family)]

	prefix := text
	if len(prefix) > cachePrefixLen {
		prefix = prefix[:cachePrefixLen]
	}
	key := countKey{model: p.Name, prefix: prefix, length: len(text)}

	c.mu.Lock()
	n, ok := c.cache[key]
	if ok {
		c.hits++
	}
	c.mu.Unlock()

	if !ok {
		if exact {
			n = est.count(text)
		} else {
			n = ApproxTokens(text)
		}
		c.mu.Lock()
		if len(c.cache) >= maxCountCache {
			c.cache = make(map[countKey]int)
		}
		c.cache[key] = n
		c.mu.Unlock()
	}

	return TokenCount{
		Count:            n,
		EstimatedCostUSD: float64(n) / 1e6 * p.CostPerMillionIn,
		Exact:            exact,
	}
}

// Hits returns how many counts were served from cache.
func (c *Counter) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// ApproxTokens is the character-ratio fallback: one token per four bytes.
func ApproxTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// count walks text as runs of letters, digits, spaces and symbols.
func (e familyEstimator) count(text string) int {
	var total float64
	var letters, digits int

	flush := func() {
		if letters > 0 {
			total += math.Ceil(float64(letters) / e.charsPerWordToken)
			letters = 0
		}
		if digits > 0 {
			total += math.Ceil(float64(digits) / e.digitsPerToken)
			digits = 0
		}
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		switch {
		case r < utf8.RuneSelf && unicode.IsLetter(r):
			if digits > 0 {
				flush()
			}
			letters++
		case unicode.IsDigit(r):
			if letters > 0 {
				flush()
			}
			digits++
		case unicode.IsSpace(r):
			flush()
		case r >= utf8.RuneSelf:
			flush()
			total += e.nonASCIIWeight
		default:
			flush()
			total += e.symbolWeight
		}
	}
	flush()
	return int(math.Ceil(total))
}

// HasEstimator reports whether family has a tuned estimator.
func HasEstimator(family string) bool {
	_, ok := estimators[strings.ToLower(family)]
	return ok
}
