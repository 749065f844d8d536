// Package tokenutil estimates prompt sizes without a provider tokenizer.
package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// wordRatio is the average number of tokens per English word.
const wordRatio = 1.33

// EstimateTokens returns a word-based token estimate for one text. Runes/4
// is the floor so that code and non-English text are not undercounted.
func EstimateTokens(content string) int {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(content))) * wordRatio)
	chars := utf8.RuneCountInString(content) / 4
	return max(words, chars)
}

// EstimatePrompt sums the estimate over every part of a prompt, adding a
// small per-part overhead for role framing.
func EstimatePrompt(parts ...string) int {
	total := 0
	for _, p := range parts {
		if p == "" {
			continue
		}
		total += EstimateTokens(p) + 4
	}
	return total
}
