package reposvc

import (
	"context"
	"fmt"
	"os"
	"time"
)

// EnsureRepoPresent initialises the working tree if missing: create an
// empty repo, set identity, create both branches, and commit initial
// contents (spec §4.2).
func (m *Manager) EnsureRepoPresent(ctx context.Context) error {
	if _, err := os.Stat(m.Path + "/.git"); err == nil {
		return nil
	}
	if err := os.MkdirAll(m.Path, 0o755); err != nil {
		return fmt.Errorf("reposvc: mkdir: %w", err)
	}

	m.branchMu.Lock()
	defer m.branchMu.Unlock()

	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Ouroboros"},
		{"config", "user.email", "ouroboros@localhost"},
	} {
		if res := m.runUnlocked(ctx, args...); !res.OK() {
			return fmt.Errorf("reposvc: init %v: %s", args, res.Stderr)
		}
	}

	gitkeep := m.Path + "/.gitkeep"
	if err := os.WriteFile(gitkeep, []byte(""), 0o644); err != nil {
		return fmt.Errorf("reposvc: seed file: %w", err)
	}
	if res := m.runUnlocked(ctx, "add", "."); !res.OK() {
		return fmt.Errorf("reposvc: add: %s", res.Stderr)
	}
	if res := m.runUnlocked(ctx, "commit", "-m", "initial commit"); !res.OK() {
		return fmt.Errorf("reposvc: commit: %s", res.Stderr)
	}
	if res := m.runUnlocked(ctx, "branch", "-M", m.WorkBranch); !res.OK() {
		return fmt.Errorf("reposvc: rename to %s: %s", m.WorkBranch, res.Stderr)
	}
	if res := m.runUnlocked(ctx, "branch", m.StableBranch, m.WorkBranch); !res.OK() {
		return fmt.Errorf("reposvc: create %s: %s", m.StableBranch, res.Stderr)
	}
	return nil
}

// RestartPolicy names the two dirty-tree handling strategies for
// SafeRestart (spec §4.2).
type RestartPolicy string

const (
	PolicyRescueAndReset RestartPolicy = "rescue_and_reset"
	PolicyReject         RestartPolicy = "reject"
)

// SafeRestart is the contract used before every restart and at boot
// (spec §4.2, §8 testable property #6 — idempotent when called twice on
// a clean tree).
func (m *Manager) SafeRestart(ctx context.Context, reason string, policy RestartPolicy) (ok bool, message string) {
	m.branchMu.Lock()
	defer m.branchMu.Unlock()

	dirty, err := m.isDirtyUnlocked(ctx)
	if err != nil {
		return false, fmt.Sprintf("reposvc: status check failed: %v", err)
	}
	if !dirty {
		return true, "working tree clean, restart proceeding: " + reason
	}

	switch policy {
	case PolicyReject:
		return false, "working tree dirty"
	case PolicyRescueAndReset:
		rescueRef := m.RescuePrefix + time.Now().UTC().Format("20060102-150405")
		if res := m.runUnlocked(ctx, "stash", "push", "-u", "-m", "ouroboros-rescue: "+reason); !res.OK() {
			return false, fmt.Sprintf("reposvc: rescue stash failed: %s", res.Stderr)
		}
		if res := m.runUnlocked(ctx, "branch", rescueRef, "stash@{0}"); !res.OK() {
			return false, fmt.Sprintf("reposvc: rescue ref failed: %s", res.Stderr)
		}
		if res := m.runUnlocked(ctx, "stash", "drop"); !res.OK() {
			return false, fmt.Sprintf("reposvc: stash drop failed: %s", res.Stderr)
		}
		if res := m.runUnlocked(ctx, "reset", "--hard", "HEAD"); !res.OK() {
			return false, fmt.Sprintf("reposvc: hard reset failed: %s", res.Stderr)
		}
		return true, "rescued uncommitted work to " + rescueRef + " and reset: " + reason
	default:
		return false, fmt.Sprintf("reposvc: unknown restart policy %q", policy)
	}
}

func (m *Manager) isDirtyUnlocked(ctx context.Context) (bool, error) {
	res := m.runUnlocked(ctx, "status", "--porcelain")
	if !res.OK() {
		return false, fmt.Errorf("%s", res.Stderr)
	}
	return res.Stdout != "", nil
}

// RollbackTo hard-resets the work branch to a named commit/tag; the caller
// is responsible for triggering a restart afterward (spec §4.2).
func (m *Manager) RollbackTo(ctx context.Context, ref string) (ok bool, message string) {
	m.branchMu.Lock()
	defer m.branchMu.Unlock()

	if res := m.runUnlocked(ctx, "checkout", m.WorkBranch); !res.OK() {
		return false, fmt.Sprintf("reposvc: checkout %s: %s", m.WorkBranch, res.Stderr)
	}
	if res := m.runUnlocked(ctx, "reset", "--hard", ref); !res.OK() {
		return false, fmt.Sprintf("reposvc: reset to %s: %s", ref, res.Stderr)
	}
	return true, "rolled back " + m.WorkBranch + " to " + ref
}

// PromoteToStable fast-forwards StableBranch to match WorkBranch (spec §4.2).
func (m *Manager) PromoteToStable(ctx context.Context) (ok bool, message string) {
	m.branchMu.Lock()
	defer m.branchMu.Unlock()

	if res := m.runUnlocked(ctx, "checkout", m.StableBranch); !res.OK() {
		return false, fmt.Sprintf("reposvc: checkout %s: %s", m.StableBranch, res.Stderr)
	}
	if res := m.runUnlocked(ctx, "merge", "--ff-only", m.WorkBranch); !res.OK() {
		m.runUnlocked(ctx, "checkout", m.WorkBranch)
		return false, fmt.Sprintf("reposvc: fast-forward %s onto %s failed: %s", m.StableBranch, m.WorkBranch, res.Stderr)
	}
	if res := m.runUnlocked(ctx, "checkout", m.WorkBranch); !res.OK() {
		return false, fmt.Sprintf("reposvc: checkout back to %s: %s", m.WorkBranch, res.Stderr)
	}
	return true, m.StableBranch + " promoted to match " + m.WorkBranch
}
