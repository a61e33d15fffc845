package safety

import "testing"

func TestStaticPrecheck(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		blocked bool
	}{
		{"delete safety file", `{"path": "safety.py", "command": "rm safety.py"}`, true},
		{"delete BIBLE.md", `{"command": "rm -rf BIBLE.md"}`, true},
		{"remove verb on identity file", `{"command": "remove the BIBLE.md file"}`, true},
		{"normal rm of unrelated file", `{"command": "rm /tmp/scratch.txt"}`, false},
		{"mentions safety file without delete verb", `{"command": "cat safety.py"}`, false},
		{"delete verb without identity file", `{"command": "rm -rf build/"}`, false},
		{"empty arguments", `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, reason := staticPrecheck(tt.args)
			if blocked != tt.blocked {
				t.Errorf("staticPrecheck(%q) blocked = %v, want %v (reason %q)", tt.args, blocked, tt.blocked, reason)
			}
			if blocked && reason == "" {
				t.Error("blocked=true but reason is empty")
			}
		})
	}
}
