package safety

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status values a safety-check layer returns (spec §4.9).
const (
	StatusSafe       = "SAFE"
	StatusSuspicious = "SUSPICIOUS"
	StatusDangerous  = "DANGEROUS"
)

// Verdict is the strict JSON shape both layers must return.
type Verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// parseVerdict strips markdown code fences (models like to wrap JSON in
// ```json blocks despite instructions) and decodes the verdict.
func parseVerdict(text string) (Verdict, error) {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	var v Verdict
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return Verdict{}, fmt.Errorf("safety: unparseable verdict: %w", err)
	}
	v.Status = strings.ToUpper(strings.TrimSpace(v.Status))
	return v, nil
}
