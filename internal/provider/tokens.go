package provider

import "unicode/utf8"

// EstimateTokens approximates token usage as ceil(chars/4). Used for
// backends whose embedding API returns no usage figures; callers must
// keep the Estimated flag set on anything derived from it.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
