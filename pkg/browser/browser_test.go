package browser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/pkg/browser"
	"github.com/sells-group/designscan/pkg/browser/browsertest"
)

func TestCoverageEntry_UsedBytes(t *testing.T) {
	t.Parallel()
	e := browser.CoverageEntry{Ranges: []browser.CoverageRange{{Start: 0, End: 10}, {Start: 20, End: 25}, {Start: 5, End: 5}}}
	assert.Equal(t, 15, e.UsedBytes())
}

func TestEvaluateInto(t *testing.T) {
	t.Parallel()
	f := browsertest.New().On("document.title", map[string]any{"title": "Acme"})

	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, browser.EvaluateInto(context.Background(), f, &out, "() => ({title: document.title})"))
	assert.Equal(t, "Acme", out.Title)
}

func TestEvaluateInto_Error(t *testing.T) {
	t.Parallel()
	f := browsertest.New().Fail("boom", errors.New("execution context destroyed"))
	var out map[string]any
	err := browser.EvaluateInto(context.Background(), f, &out, "() => boom()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution context destroyed")
}

func TestFake_NoScript(t *testing.T) {
	t.Parallel()
	_, err := browsertest.New().Evaluate(context.Background(), "() => 1")
	assert.ErrorIs(t, err, browsertest.ErrNoScript)
}

func TestFake_RecordsCalls(t *testing.T) {
	t.Parallel()
	f := browsertest.New()
	b, err := f.Factory()(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Goto(context.Background(), "https://a.com", browser.GotoOptions{UserAgent: "ua"}))
	require.NoError(t, b.Hover(context.Background(), "button"))
	require.NoError(t, b.Click(context.Background(), "a"))
	require.NoError(t, b.SetViewport(context.Background(), browser.Viewport{Width: 375, Height: 812}))
	require.NoError(t, b.Close())

	assert.Equal(t, []string{"https://a.com"}, f.Visited)
	assert.Equal(t, []string{"ua"}, f.Agents)
	assert.Equal(t, []string{"button"}, f.Hovered)
	assert.Equal(t, []string{"a"}, f.Clicked)
	assert.Len(t, f.Viewports, 1)
	assert.True(t, f.Closed)
}

func TestNewFactory_NotNil(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, browser.NewFactory(browser.Config{Headless: true}))
}
