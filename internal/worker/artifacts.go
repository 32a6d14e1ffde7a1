package worker

import (
	"regexp"
	"strings"

	"github.com/aristath/swarm/internal/task"
)

// Artifact detection is heuristic. Nothing here may influence whether a task
// succeeded.
var (
	changedFileRe = regexp.MustCompile(`(?mi)^\s*(?:[-*]\s*)?(?:modified|created|updated|deleted|wrote|edited)(?:\s+file)?:?\s+` + "`?" + `([\w./-]+\.[\w]+)` + "`?")
	gitCommitRe   = regexp.MustCompile(`(?m)^\[[\w./-]+(?: \(root-commit\))? ([0-9a-f]{7,40})\]`)
	commitLineRe  = regexp.MustCompile(`(?mi)\bcommit[:\s]+([0-9a-f]{7,40})\b`)
)

// ScanArtifacts extracts advisory metadata from task output: files the task
// says it changed and a commit reference if one was printed.
func ScanArtifacts(output string) task.Artifacts {
	var a task.Artifacts
	if output == "" {
		return a
	}

	seen := make(map[string]bool)
	for _, m := range changedFileRe.FindAllStringSubmatch(output, -1) {
		path := strings.TrimSuffix(m[1], ".")
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		a.ChangedFiles = append(a.ChangedFiles, path)
	}

	if m := gitCommitRe.FindStringSubmatch(output); m != nil {
		a.CommitRef = m[1]
	} else if m := commitLineRe.FindStringSubmatch(output); m != nil {
		a.CommitRef = m[1]
	}
	return a
}
