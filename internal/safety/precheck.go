package safety

import "regexp"

// identityFileRe matches a reference to the agent's identity or safety
// files (spec §4.9: "BIBLE.md", "safety.*").
var identityFileRe = regexp.MustCompile(`(?i)\bBIBLE\.md\b|\bsafety\.[a-zA-Z0-9]+\b`)

// deleteVerbRe matches the delete/remove/trash verb family.
var deleteVerbRe = regexp.MustCompile(`(?i)\b(delete|deleting|deleted|remove|removing|removed|rm|trash|unlink|purge|erase|wipe)\b`)

// staticPrecheck hard-blocks any argument string that both mentions an
// identity/safety file and contains a delete-family verb. It runs before
// either LLM layer and neither layer can override it (spec §4.9).
func staticPrecheck(argsText string) (blocked bool, reason string) {
	if identityFileRe.MatchString(argsText) && deleteVerbRe.MatchString(argsText) {
		return true, "static rule: arguments reference an identity/safety file alongside a delete verb"
	}
	return false, ""
}
