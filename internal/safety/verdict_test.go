package safety

import "testing"

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantStatus string
		wantReason string
		wantErr    bool
	}{
		{
			name:       "plain json",
			text:       `{"status": "SAFE", "reason": ""}`,
			wantStatus: StatusSafe,
		},
		{
			name:       "fenced json lowercases status normalized",
			text:       "```json\n{\"status\": \"dangerous\", \"reason\": \"rm -rf /\"}\n```",
			wantStatus: StatusDangerous,
			wantReason: "rm -rf /",
		},
		{
			name:    "unparseable",
			text:    "I think this looks fine.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", v.Status, tt.wantStatus)
			}
			if v.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", v.Reason, tt.wantReason)
			}
		})
	}
}
