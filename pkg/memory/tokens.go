package memory

// RuneTokenEstimator approximates tokens at two tokens per five runes.
type RuneTokenEstimator struct{}

func (RuneTokenEstimator) EstimateTokens(text string) int {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 1 {
		return 1
	}
	return tokens
}

func sumMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.TokenCount
	}
	return total
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
