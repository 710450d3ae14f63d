package memory

import (
	"regexp"
	"sort"
	"strings"
)

// Importance flags recognized by the default multiplier table.
const (
	FlagDecision   = "decision"
	FlagCommitment = "commitment"
	FlagInsight    = "insight"
	FlagPreference = "preference"
)

// Importance combination modes.
const (
	ImportanceMax      = "max"
	ImportanceCompound = "compound"
)

// ImportanceConfig maps flags to score multipliers.
type ImportanceConfig struct {
	Multipliers map[string]float64
	Mode        string
	// Cap bounds the compound product. Ignored in max mode.
	Cap float64
}

func DefaultImportanceConfig() ImportanceConfig {
	return ImportanceConfig{
		Multipliers: map[string]float64{
			FlagDecision:   1.5,
			FlagCommitment: 1.5,
			FlagInsight:    1.3,
			FlagPreference: 1.4,
		},
		Mode: ImportanceMax,
		Cap:  2.5,
	}
}

// Score returns the importance multiplier for flags. Unknown flags count
// as 1.0 and the result is never below 1.0.
func (c ImportanceConfig) Score(flags []string) float64 {
	score := 1.0
	for _, f := range flags {
		m, ok := c.Multipliers[strings.ToLower(strings.TrimSpace(f))]
		if !ok || m <= 0 {
			continue
		}
		if c.Mode == ImportanceCompound {
			score *= m
			continue
		}
		if m > score {
			score = m
		}
	}
	if c.Mode == ImportanceCompound && c.Cap > 0 && score > c.Cap {
		score = c.Cap
	}
	if score < 1.0 {
		score = 1.0
	}
	return score
}

var (
	preferenceSignalRegex = regexp.MustCompile(`(?i)\b(?:i (?:really )?(?:like|love|prefer|hate|dislike)|my favou?rite|i'd rather)\b`)
	decisionSignalRegex   = regexp.MustCompile(`(?i)\b(?:(?:we|i)(?:'ve| have)? (?:decided|agreed|chose|settled on)|let'?s go with|final decision|decided to)\b`)
	commitmentSignalRegex = regexp.MustCompile(`(?i)\b(?:i will|i'll|we will|we'll|i promise|i commit|remind me|deadline|todo)\b`)
	insightSignalRegex    = regexp.MustCompile(`(?i)\b(?:i realized|i learned|turns out|key insight|lesson learned|the trick is)\b`)
	topicWordRegex        = regexp.MustCompile(`[\p{L}][\p{L}\p{N}_\-]{3,}`)
)

// detectImportanceFlags merges explicit "importance" metadata with signal
// phrases found in message content. Flags are sorted and unique.
func detectImportanceFlags(msgs []Message) []string {
	set := map[string]struct{}{}
	for _, m := range msgs {
		for _, f := range splitMetaList(m.Metadata["importance"]) {
			set[f] = struct{}{}
		}
		if m.Role == RoleSystem {
			continue
		}
		if preferenceSignalRegex.MatchString(m.Content) && m.Role == RoleUser {
			set[FlagPreference] = struct{}{}
		}
		if decisionSignalRegex.MatchString(m.Content) {
			set[FlagDecision] = struct{}{}
		}
		if commitmentSignalRegex.MatchString(m.Content) {
			set[FlagCommitment] = struct{}{}
		}
		if insightSignalRegex.MatchString(m.Content) {
			set[FlagInsight] = struct{}{}
		}
	}
	return sortedKeys(set)
}

var topicStopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "because": {}, "been": {}, "before": {},
	"being": {}, "could": {}, "does": {}, "doing": {}, "from": {}, "have": {}, "having": {},
	"here": {}, "just": {}, "like": {}, "more": {}, "most": {}, "much": {}, "need": {},
	"only": {}, "other": {}, "should": {}, "some": {}, "such": {}, "sure": {}, "than": {},
	"that": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"thing": {}, "think": {}, "this": {}, "those": {}, "want": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "while": {}, "will": {}, "with": {}, "would": {},
	"your": {}, "yours": {}, "into": {}, "know": {}, "really": {}, "okay": {}, "thanks": {},
	"good": {}, "great": {}, "maybe": {}, "let's": {}, "very": {}, "well": {}, "yeah": {},
}

// extractTopics returns explicit "topics" metadata followed by the most
// frequent content keywords, up to limit entries.
func extractTopics(msgs []Message, limit int) []string {
	if limit <= 0 {
		return nil
	}
	out := []string{}
	seen := map[string]struct{}{}
	for _, m := range msgs {
		for _, t := range splitMetaList(m.Metadata["topics"]) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	counts := map[string]int{}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		for _, w := range topicWordRegex.FindAllString(strings.ToLower(m.Content), -1) {
			w = strings.Trim(w, "-_")
			if len(w) < 4 {
				continue
			}
			if _, stop := topicStopWords[w]; stop {
				continue
			}
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w, n := range counts {
		if n < 2 {
			continue
		}
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	for _, w := range words {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func splitMetaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
