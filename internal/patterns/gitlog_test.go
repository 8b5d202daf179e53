package patterns

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestRecentCommitsReadsHistory(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("1"), 0o640); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")

	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("1"), 0o640); err != nil {
		t.Fatal(err)
	}
	run("add", "b.txt")
	run("commit", "-m", "second")

	commits, err := RecentCommits(context.Background(), root, 10)
	if err != nil {
		t.Fatalf("RecentCommits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if len(commits[0].FilesChanged) != 1 || commits[0].FilesChanged[0] != "b.txt" {
		t.Errorf("newest commit files = %v, want [b.txt]", commits[0].FilesChanged)
	}
	if commits[0].Hash == "" || commits[0].Timestamp.IsZero() {
		t.Errorf("commit missing hash/timestamp: %+v", commits[0])
	}
}

func TestRecentCommitsDefaultsLimit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v (%s)", err, out)
	}

	commits, err := RecentCommits(context.Background(), root, 0)
	if err != nil {
		t.Fatalf("RecentCommits on empty repo: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("expected no commits in fresh repo, got %d", len(commits))
	}
}

func TestParseGitLogHandlesEmptyOutput(t *testing.T) {
	commits, err := parseGitLog("")
	if err != nil {
		t.Fatalf("parseGitLog: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("expected no commits, got %d", len(commits))
	}
}
