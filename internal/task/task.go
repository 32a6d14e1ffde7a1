// Package task defines the unit of work the swarm schedules and the record
// produced by each attempt to run it.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Scope carries optional hints about what a task touches. The scheduler never
// interprets it; workers pass it to the task process as readable text.
type Scope struct {
	Files       []string `yaml:"files,omitempty" json:"files,omitempty"`
	Directories []string `yaml:"directories,omitempty" json:"directories,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// IsEmpty reports whether the scope carries no hints.
func (s Scope) IsEmpty() bool {
	return len(s.Files) == 0 && len(s.Directories) == 0 && s.Pattern == ""
}

// Task is an immutable description of one unit of work.
type Task struct {
	ID           string        `yaml:"id" json:"id"`
	Description  string        `yaml:"description" json:"description"`
	Scope        Scope         `yaml:"scope,omitempty" json:"scope,omitempty"`
	Priority     int           `yaml:"priority,omitempty" json:"priority,omitempty"`         // Lower runs first
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`           // Zero means pool default
	Retries      int           `yaml:"retries,omitempty" json:"retries,omitempty"`           // Additional attempts after the first
	Dependencies []string      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate queued tasks through shared slices.
func (t Task) Clone() Task {
	cp := t
	cp.Scope.Files = cloneStrings(t.Scope.Files)
	cp.Scope.Directories = cloneStrings(t.Scope.Directories)
	cp.Dependencies = cloneStrings(t.Dependencies)
	return cp
}

// Payload renders the instruction text delivered to the worker process on stdin.
// Scope hints are appended as plain text and never parsed back out.
func (t Task) Payload() string {
	if t.Scope.IsEmpty() {
		return t.Description
	}

	var b strings.Builder
	b.WriteString(t.Description)
	b.WriteString("\n\nScope hints:\n")
	if len(t.Scope.Files) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(t.Scope.Files, ", "))
	}
	if len(t.Scope.Directories) > 0 {
		fmt.Fprintf(&b, "Directories: %s\n", strings.Join(t.Scope.Directories, ", "))
	}
	if t.Scope.Pattern != "" {
		fmt.Fprintf(&b, "Pattern: %s\n", t.Scope.Pattern)
	}
	return b.String()
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
