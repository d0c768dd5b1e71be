package tokenutil

import "strings"

// EstimateTokens approximates the token count of content without calling a
// tokenizer. English prose runs about 3 words per 4 tokens, so the word
// count scaled by 4/3 is the primary estimate. Code and CJK text carry few
// whitespace-separated words per byte, so one token per 4 bytes serves as
// the floor. The estimate feeds turn budgets, where overcounting is safe
// and undercounting lets a runaway turn through.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := len(strings.Fields(content)) * 4 / 3
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
