package reposvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func newTestRepo(t *testing.T) *Manager {
	t.Helper()
	requireGit(t)
	m := New(filepath.Join(t.TempDir(), "tree"), "stable", "dev", "rescue/")
	if err := m.EnsureRepoPresent(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEnsureRepoPresent_CreatesBothBranches(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	snap, err := m.CurrentSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Branch != "dev" {
		t.Errorf("branch = %q, want dev", snap.Branch)
	}
	if snap.SHA == "" {
		t.Error("no initial commit")
	}

	res := m.run(ctx, "branch", "--list", "stable")
	if !res.OK() || !strings.Contains(res.Stdout, "stable") {
		t.Errorf("stable branch missing: %+v", res)
	}

	// Second call is a no-op on an existing repo.
	if err := m.EnsureRepoPresent(ctx); err != nil {
		t.Errorf("re-init on existing repo: %v", err)
	}
}

// TestSafeRestart_RejectOnDirtyTree mirrors scenario S5: policy reject on a
// tree with one modified file returns (false, "working tree dirty") and
// changes nothing.
func TestSafeRestart_RejectOnDirtyTree(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	before, _ := m.CurrentSnapshot(ctx)
	if err := os.WriteFile(filepath.Join(m.Path, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, msg := m.SafeRestart(ctx, "x", PolicyReject)
	if ok {
		t.Fatal("expected refusal on a dirty tree")
	}
	if msg != "working tree dirty" {
		t.Errorf("message = %q", msg)
	}

	after, _ := m.CurrentSnapshot(ctx)
	if after != before {
		t.Errorf("refused restart must not touch the tree: %+v → %+v", before, after)
	}
	if _, err := os.Stat(filepath.Join(m.Path, "dirty.txt")); err != nil {
		t.Error("dirty file must survive a refused restart")
	}
}

func TestSafeRestart_RescueAndReset(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(m.Path, "wip.txt"), []byte("unsynced work"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, msg := m.SafeRestart(ctx, "restart", PolicyRescueAndReset)
	if !ok {
		t.Fatalf("rescue failed: %s", msg)
	}
	if !strings.Contains(msg, "rescue/") {
		t.Errorf("message should name the rescue ref: %q", msg)
	}

	dirty, err := m.IsDirty(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("tree must be clean after rescue_and_reset")
	}

	res := m.run(ctx, "branch", "--list", "rescue/*")
	if !res.OK() || res.Stdout == "" {
		t.Error("rescue ref missing after rescue_and_reset")
	}
}

// TestSafeRestart_IdempotentOnCleanTree checks testable property #6: a
// second rescue_and_reset on a clean tree is a no-op.
func TestSafeRestart_IdempotentOnCleanTree(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	before, _ := m.CurrentSnapshot(ctx)
	for i := 0; i < 2; i++ {
		ok, _ := m.SafeRestart(ctx, "noop", PolicyRescueAndReset)
		if !ok {
			t.Fatalf("clean-tree restart refused on pass %d", i)
		}
	}
	after, _ := m.CurrentSnapshot(ctx)
	if after != before {
		t.Errorf("clean-tree restarts changed the tree: %+v → %+v", before, after)
	}

	res := m.run(ctx, "branch", "--list", "rescue/*")
	if res.Stdout != "" {
		t.Errorf("no rescue refs may be created on a clean tree: %q", res.Stdout)
	}
}

func TestRollbackAndPromote(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	first, _ := m.CurrentSnapshot(ctx)

	// Add a commit on dev.
	os.WriteFile(filepath.Join(m.Path, "feature.txt"), []byte("v2"), 0o644)
	m.run(ctx, "add", ".")
	m.run(ctx, "commit", "-m", "feature")
	second, _ := m.CurrentSnapshot(ctx)
	if second.SHA == first.SHA {
		t.Fatal("commit did not advance HEAD")
	}

	// Promote: stable fast-forwards to dev.
	if ok, msg := m.PromoteToStable(ctx); !ok {
		t.Fatalf("promote failed: %s", msg)
	}
	res := m.run(ctx, "rev-parse", "stable")
	if res.Stdout != second.SHA {
		t.Errorf("stable = %s, want %s", res.Stdout, second.SHA)
	}

	// Rollback dev to the first commit.
	if ok, msg := m.RollbackTo(ctx, first.SHA); !ok {
		t.Fatalf("rollback failed: %s", msg)
	}
	snap, _ := m.CurrentSnapshot(ctx)
	if snap.SHA != first.SHA || snap.Branch != "dev" {
		t.Errorf("after rollback: %+v, want dev@%s", snap, first.SHA)
	}
}

func TestListCommits(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	commits, err := m.ListCommits(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 || commits[0].Subject != "initial commit" {
		t.Errorf("commits = %+v", commits)
	}
}

func TestGitResult_CapturesFailure(t *testing.T) {
	m := newTestRepo(t)
	res := m.run(context.Background(), "rev-parse", "no-such-ref-xyz")
	if res.OK() {
		t.Fatal("expected failure for unknown ref")
	}
	if res.ExitCode == 0 || res.Stderr == "" {
		t.Errorf("failure must carry rc and stderr: %+v", res)
	}
	if res.Err != nil {
		t.Errorf("git-reported failures must not set Err: %v", res.Err)
	}
}
