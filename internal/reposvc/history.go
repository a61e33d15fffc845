package reposvc

import (
	"context"
	"fmt"
	"strings"
)

// Commit is one entry in ListCommits' result.
type Commit struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
	When    string `json:"when"`
}

// ListCommits returns the n most recent commits on the current branch,
// for UI exposure (spec §4.2).
func (m *Manager) ListCommits(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = 20
	}
	res := m.run(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%H\x1f%s\x1f%cI")
	if !res.OK() {
		return nil, fmt.Errorf("reposvc: log: %s", res.Stderr)
	}
	if res.Stdout == "" {
		return nil, nil
	}
	var commits []Commit
	for _, line := range strings.Split(res.Stdout, "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Subject: parts[1], When: parts[2]})
	}
	return commits, nil
}

// Version is one entry in ListVersions' result.
type Version struct {
	Tag string `json:"tag"`
	SHA string `json:"sha"`
}

// ListVersions returns the n most recent tags, newest first.
func (m *Manager) ListVersions(ctx context.Context, n int) ([]Version, error) {
	if n <= 0 {
		n = 20
	}
	res := m.run(ctx, "tag", "--sort=-creatordate", "--format=%(refname:short)\x1f%(objectname)")
	if !res.OK() {
		return nil, fmt.Errorf("reposvc: tag: %s", res.Stderr)
	}
	if res.Stdout == "" {
		return nil, nil
	}
	var versions []Version
	for i, line := range strings.Split(res.Stdout, "\n") {
		if i >= n {
			break
		}
		parts := strings.SplitN(line, "\x1f", 2)
		if len(parts) != 2 {
			continue
		}
		versions = append(versions, Version{Tag: parts[0], SHA: parts[1]})
	}
	return versions, nil
}
