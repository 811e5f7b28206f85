package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status ScanStatus
		want   string
	}{
		{ScanStatusCompleted, "completed"},
		{ScanStatusPartial, "partial"},
		{ScanStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://www.Stripe.com/pricing", "stripe.com"},
		{"http://example.org:8080/a", "example.org"},
		{"linear.app", "linear.app"},
		{"www.vercel.com", "vercel.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DomainOf(tt.in))
		})
	}
}

func TestScanOptionsHash_Stable(t *testing.T) {
	t.Parallel()

	a := ScanOptions{IncludeInteractive: true, MaxStylesheets: 10}
	b := ScanOptions{IncludeInteractive: true, MaxStylesheets: 10}
	c := ScanOptions{IncludeInteractive: false, MaxStylesheets: 10}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 16)
}

func TestSharedCache_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	c := NewSharedCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set("same-key", ExtractionResult{StrategyName: "static-css", Attempts: i})
		}(i)
	}
	wg.Wait()

	got, ok := c.Get("same-key")
	assert.True(t, ok)
	assert.Equal(t, "static-css", got.StrategyName)
	assert.Equal(t, 1, c.Len())
}

func TestScanContext_CloneIsolatesFields(t *testing.T) {
	t.Parallel()

	sc := &ScanContext{URL: "https://a.com", UserAgent: "ua-1", Viewports: DefaultViewports(), Cache: NewSharedCache()}
	clone := sc.Clone()
	clone.UserAgent = "ua-2"
	clone.Viewports[0].Width = 1

	assert.Equal(t, "ua-1", sc.UserAgent)
	assert.Equal(t, 375, sc.Viewports[0].Width)
	assert.Same(t, sc.Cache, clone.Cache)
}

func TestScanResult_SucceededFailedReplace(t *testing.T) {
	t.Parallel()

	r := &ScanResult{Results: []ExtractionResult{
		{StrategyName: "static-css", Success: true},
		{StrategyName: "coverage", Success: false, ErrorKind: ErrorKindTimeout},
		{StrategyName: "brand", Success: false},
	}}
	assert.Len(t, r.Succeeded(), 1)
	assert.Len(t, r.Failed(), 2)

	r.Replace([]ExtractionResult{
		{StrategyName: "static-css", Success: true, Recovered: true, RecoveredFrom: "coverage"},
	})
	assert.True(t, r.Results[1].Success)
	assert.Equal(t, "coverage", r.Results[1].RecoveredFrom)
	assert.False(t, r.Results[2].Success)
	assert.Equal(t, []string{"static-css"}, r.StrategyNames())
}
