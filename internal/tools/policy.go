package tools

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/providers"
)

// Tool groups map group names to tool names, expanded by "group:xxx" specs
// in allow/deny lists.
var toolGroups = map[string][]string{
	"fs":      {"read_file", "write_file", "list_files", "edit_file", "search", "glob"},
	"runtime": {"run_shell"},
	"repo":    {"git_commit", "git_status"},
	"net":     {"web_search", "web_fetch"},
}

// RegisterToolGroup adds or replaces a dynamic tool group. Used by the MCP
// manager to register "mcp" and "mcp:{serverName}" groups at connect time.
func RegisterToolGroup(name string, members []string) {
	toolGroups[name] = members
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	delete(toolGroups, name)
}

// Tool profiles define preset allow sets. "full" or "" means no restriction.
var toolProfiles = map[string][]string{
	"minimal":   {"read_file", "list_files"},
	"coding":    {"group:fs", "group:runtime", "group:repo"},
	"messaging": {},
	"full":      {},
}

// CHECKED is the set of tools the Safety Gate (internal/safety) must clear
// before execution, per spec §4.9 ("at minimum: shell execution, code-edit
// tool, commits, filesystem writes"). Tools outside this set run unchecked.
// Guarded by checkedMu: the plugin watcher can extend it at runtime.
var (
	checkedMu sync.RWMutex
	CHECKED   = map[string]bool{
		"run_shell":  true,
		"write_file": true,
		"edit_file":  true,
		"git_commit": true,
	}
)

// IsCheckedTool reports whether name requires a Safety Gate verdict before
// execution. Third-party/MCP-bridged tools are added to CHECKED explicitly
// by the component that registers them.
func IsCheckedTool(name string) bool {
	checkedMu.RLock()
	defer checkedMu.RUnlock()
	return CHECKED[name]
}

// MarkChecked adds name to the CHECKED set (plugin/MCP registration path).
func MarkChecked(name string) {
	checkedMu.Lock()
	defer checkedMu.Unlock()
	CHECKED[name] = true
}

// PolicyEngine evaluates tool access from the global ToolsConfig profile +
// allow/deny/alsoAllow pipeline (spec §9 "inheritance-free tool registry").
type PolicyEngine struct {
	cfg *config.ToolsConfig
}

// NewPolicyEngine creates a policy engine from global config.
func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// FilterTools returns only the provider-wire tool definitions allowed by
// policy. The order of the returned definitions is not defined.
func (pe *PolicyEngine) FilterTools(registry *Registry) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.evaluate(allTools)

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		if tool, ok := registry.Get(name); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("tool_policy.applied", "total_tools", len(allTools), "allowed", len(defs))
	return defs
}

func (pe *PolicyEngine) evaluate(allTools []string) []string {
	g := pe.cfg
	allowed := pe.applyProfile(allTools, g.Profile)

	if len(g.Allow) > 0 {
		allowed = intersectWithSpec(allowed, g.Allow)
	}
	if len(g.Deny) > 0 {
		allowed = subtractSpec(allowed, g.Deny)
	}
	if len(g.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, g.AlsoAllow)
	}
	return allowed
}

// applyProfile returns tools allowed by a named profile. "full"/empty = all.
func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}
	spec, ok := toolProfiles[profile]
	if !ok || len(spec) == 0 {
		return copySlice(allTools)
	}
	return expandSpec(allTools, spec)
}

// --- Set operations with group expansion ---

func expandSpec(available []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func intersectWithSpec(current []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func subtractSpec(current []string, spec []string) []string {
	denied := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					denied[m] = true
				}
			}
		} else {
			denied[s] = true
		}
	}
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func unionWithSpec(current []string, allTools []string, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}
	for _, t := range expandSpec(allTools, spec) {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
