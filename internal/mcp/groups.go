package mcp

import "github.com/wationgarbarad/ouroboros/internal/tools"

// ToolNames returns every bridged tool name across connected servers.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// syncGroup rebuilds the umbrella "mcp" policy group so allow/deny specs
// like "group:mcp" track the live bridged-tool set. Per-server
// "mcp:<name>" groups are maintained at connect/stop time.
func (m *Manager) syncGroup() {
	if names := m.ToolNames(); len(names) > 0 {
		tools.RegisterToolGroup("mcp", names)
	} else {
		tools.UnregisterToolGroup("mcp")
	}
}
