package providers

import "strings"

// hintedError keeps the provider error reachable through errors.Is/As while
// its message carries the configuration hint.
type hintedError struct {
	msg string
	err error
}

func (e *hintedError) Error() string { return e.msg }
func (e *hintedError) Unwrap() error { return e.err }

func wrapProviderError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	return &hintedError{msg: augmentProviderError(providerName, err.Error()), err: err}
}

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch normalizeName(providerName, "") {
	case EmbedderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: embedding.provider openai expects a Platform API key; set embedding.api_key or OPENAI_API_KEY."
		}
		if strings.Contains(lower, "model_not_found") || strings.Contains(lower, "does not exist") {
			return msg + " Hint: set embedding.model to an embeddings model such as text-embedding-3-small."
		}
		if strings.Contains(lower, "maximum context length") {
			return msg + " Hint: lower embedding.max_input_chars."
		}
	}

	return msg
}
