package anthropic

// CachedSystem returns a single system block marked for prompt caching.
// Long, static instructions reused on every call should go through here.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: "5m"},
	}}
}
