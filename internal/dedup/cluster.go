package dedup

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/model"
)

const (
	maxKMeansIterations = 50
	kMeansTolerance     = 0.01
)

// ClusterCount is clamp(n/8, 3, 12), never more than n.
func ClusterCount(n int) int {
	return min(max(min(n/8, 12), 3), n)
}

// Clusters groups tokens by seeded k-means over their vectors and labels each
// cluster with its two most frequent descriptive words.
func Clusters(tokens []model.TokenItem, vecs [][]float32, seed int64) []Cluster {
	n := len(tokens)
	if n == 0 || len(vecs) != n {
		return nil
	}
	assign := KMeans(vecs, ClusterCount(n), seed)

	members := make(map[int][]int)
	for i, c := range assign {
		members[c] = append(members[c], i)
	}
	ids := make([]int, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Cluster, 0, len(ids))
	for _, id := range ids {
		c := Cluster{ID: id}
		var group []model.TokenItem
		for _, i := range members[id] {
			c.TokenIDs = append(c.TokenIDs, tokens[i].ID)
			group = append(group, tokens[i])
		}
		c.Label = label(group, id)
		out = append(out, c)
	}
	return out
}

// KMeans returns the cluster index of each vector. Initial centroids are k
// distinct points chosen by a seeded permutation; iteration stops when no
// centroid moves more than the tolerance.
func KMeans(vecs [][]float32, k int, seed int64) []int {
	n := len(vecs)
	if n == 0 || k <= 0 {
		return nil
	}
	k = min(k, n)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)
	centroids := make([][]float32, k)
	for c := range k {
		centroids[c] = append([]float32(nil), vecs[perm[c]]...)
	}

	assign := make([]int, n)
	for range maxKMeansIterations {
		for i, v := range vecs {
			assign[i] = nearest(v, centroids)
		}
		moved := 0.0
		for c := range centroids {
			next := mean(vecs, assign, c, len(centroids[c]))
			if next == nil {
				continue
			}
			moved = max(moved, ai.EuclideanDistance(centroids[c], next))
			centroids[c] = next
		}
		if moved < kMeansTolerance {
			break
		}
	}
	for i, v := range vecs {
		assign[i] = nearest(v, centroids)
	}
	return assign
}

func nearest(v []float32, centroids [][]float32) int {
	best, bestDist := 0, -1.0
	for c, centroid := range centroids {
		d := ai.EuclideanDistance(v, centroid)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// mean returns the centroid of cluster c, or nil when it is empty.
func mean(vecs [][]float32, assign []int, c, dims int) []float32 {
	sum := make([]float64, dims)
	count := 0
	for i, v := range vecs {
		if assign[i] != c {
			continue
		}
		count++
		for d := 0; d < dims && d < len(v); d++ {
			sum[d] += float64(v[d])
		}
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dims)
	for d := range sum {
		out[d] = float32(sum[d] / float64(count))
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "of": true, "to": true,
	"color": true, "colors": true, "token": true, "tokens": true, "var": true,
	"px": true, "rem": true, "em": true, "font": true, "value": true,
	"default": true, "css": true, "style": true, "component": true, "size": true,
}

// label names a cluster from token names and descriptive features.
func label(tokens []model.TokenItem, id int) string {
	counts := make(map[string]int)
	for _, t := range tokens {
		var words []string
		words = append(words, splitWords(t.Name)...)
		for k, v := range Features(t) {
			if k == "hex" || k == "px" || k == "type" {
				continue
			}
			words = append(words, splitWords(v)...)
		}
		for _, w := range words {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) == 0 {
		return fmt.Sprintf("Cluster %d", id+1)
	}
	words = words[:min(2, len(words))]
	return cases.Title(language.English).String(strings.Join(words, " "))
}

func splitWords(s string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
