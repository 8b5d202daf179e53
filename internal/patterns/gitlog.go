package patterns

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const gitLogTimeout = 10 * time.Second

// recordSep and fieldSep are unlikely to appear in a commit message or
// file path, so they safely delimit git log's custom format output.
const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
)

// RecentCommits reads the last limit commits touching repoDir's git history,
// each with its changed file list. This is one of the few call sites in the
// repository allowed to shell out (alongside the fixer and updater), and it
// only ever invokes a fixed `git log` argument list — no caller-supplied
// string reaches the shell.
func RecentCommits(ctx context.Context, repoDir string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}

	runCtx, cancel := context.WithTimeout(ctx, gitLogTimeout)
	defer cancel()

	format := "%H" + fieldSep + "%cI" + recordSep
	cmd := exec.CommandContext(runCtx, "git", "log",
		"-n", strconv.Itoa(limit),
		"--name-only",
		"--pretty=format:"+format,
	)
	cmd.Dir = repoDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "does not have any commits yet") {
			return nil, nil
		}
		return nil, fmt.Errorf("git log: %w (%s)", err, stderr.String())
	}

	return parseGitLog(stdout.String())
}

func parseGitLog(output string) ([]Commit, error) {
	var commits []Commit
	for _, record := range strings.Split(output, recordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}

		scanner := bufio.NewScanner(strings.NewReader(record))
		if !scanner.Scan() {
			continue
		}
		header := scanner.Text()
		fields := strings.SplitN(header, fieldSep, 2)
		if len(fields) != 2 {
			continue
		}

		ts, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			continue
		}

		var files []string
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				files = append(files, line)
			}
		}

		commits = append(commits, Commit{
			Hash:         fields[0],
			Timestamp:    ts,
			FilesChanged: files,
		})
	}
	return commits, nil
}
