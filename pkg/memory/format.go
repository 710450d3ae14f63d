package memory

import (
	"fmt"
	"strings"
)

// FormatContextForLLM renders archived history first, then the recent turns.
func FormatContextForLLM(result RetrievalResult) string {
	var b strings.Builder

	if len(result.RetrievedChunks) > 0 {
		b.WriteString("## Earlier Conversation\n")
		for _, c := range result.RetrievedChunks {
			fmt.Fprintf(&b, "\n### %s to %s\n",
				c.StartTime.UTC().Format("2006-01-02 15:04"),
				c.EndTime.UTC().Format("2006-01-02 15:04"))
			if s := strings.TrimSpace(c.Summary); s != "" {
				b.WriteString(s)
			} else {
				b.WriteString(strings.TrimSpace(c.Content))
			}
			b.WriteString("\n")
		}
	}

	if len(result.PrimaryMessages) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent Conversation\n")
		for _, m := range result.PrimaryMessages {
			fmt.Fprintf(&b, "[%s] %s: %s\n", messageTimestamp(m), m.Role, strings.TrimSpace(m.Content))
		}
	}
	return strings.TrimSpace(b.String())
}
