package app

// EstimateTokens approximates the token count of text when the provider did
// not report usage. Roughly 4 characters per token for English-ish text; this
// is not a tokenizer and callers must flag derived figures as estimates.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
