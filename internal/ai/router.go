package ai

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/models"
)

// Router dispatches completions to the completer registered for the
// requested model's family.
type Router struct {
	catalog *models.Catalog

	mu       sync.RWMutex
	byFamily map[string]Completer
}

// NewRouter creates a Router. catalog resolves model families; names missing
// from it fall back to prefix inference.
func NewRouter(catalog *models.Catalog) *Router {
	return &Router{catalog: catalog, byFamily: make(map[string]Completer)}
}

// Register sets the completer for a model family.
func (r *Router) Register(family string, c Completer) {
	r.mu.Lock()
	r.byFamily[family] = c
	r.mu.Unlock()
}

// Families returns the registered families, sorted.
func (r *Router) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byFamily))
	for f := range r.byFamily {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Serves reports whether a completer is registered for the model.
func (r *Router) Serves(modelName string) bool {
	_, ok := r.lookup(modelName)
	return ok
}

// Complete implements Completer.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	c, ok := r.lookup(req.Model)
	if !ok {
		return nil, eris.Wrapf(ErrNoCompleter, "ai: route %s", req.Model)
	}
	return c.Complete(ctx, req)
}

func (r *Router) lookup(modelName string) (Completer, bool) {
	family := models.FamilyOf(modelName)
	if r.catalog != nil {
		if p, ok := r.catalog.Get(modelName); ok && p.Family != "" {
			family = p.Family
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byFamily[family]
	return c, ok
}
