package anthropic

// minCacheableChars approximates the 1024-token floor below which the API
// ignores cache breakpoints.
const minCacheableChars = 4096

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. Repeated organization and repair calls
// share long instruction prompts, so the second call onward reads them from
// the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// SystemBlocks returns a single system block, cached only when text is long
// enough for the API to honor the breakpoint.
func SystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	if len(text) >= minCacheableChars {
		return BuildCachedSystemBlocks(text)
	}
	return []SystemBlock{{Text: text}}
}
