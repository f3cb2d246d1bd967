package sigma

// Match records a Sigma rule hit against a detection event.
type Match struct {
	Category  string                 `json:"category"`
	RuleTitle string                 `json:"rule_title"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Level     string                 `json:"level"` // informational | low | medium | high | critical
	Event     map[string]interface{} `json:"event"`
}

var levelRank = map[string]int{
	"informational": 1,
	"low":           2,
	"medium":        3,
	"high":          4,
	"critical":      5,
}

// MaxLevel returns the most severe level among matches, or "" if none.
func MaxLevel(matches []Match) string {
	best := ""
	for _, m := range matches {
		if levelRank[m.Level] > levelRank[best] {
			best = m.Level
		}
	}
	return best
}
