package task

import (
	"strings"
	"testing"
)

func TestPayload_NoScope(t *testing.T) {
	tk := Task{ID: "t1", Description: "run the linter"}
	if got := tk.Payload(); got != "run the linter" {
		t.Errorf("Payload() = %q, want description only", got)
	}
}

func TestPayload_WithScope(t *testing.T) {
	tk := Task{
		ID:          "t1",
		Description: "refactor config loading",
		Scope: Scope{
			Files:       []string{"a.go", "b.go"},
			Directories: []string{"internal/config"},
			Pattern:     "**/*_test.go",
		},
	}

	got := tk.Payload()
	for _, want := range []string{
		"refactor config loading\n\nScope hints:\n",
		"Files: a.go, b.go\n",
		"Directories: internal/config\n",
		"Pattern: **/*_test.go\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Payload() missing %q:\n%s", want, got)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := Task{
		ID:           "t1",
		Dependencies: []string{"t0"},
		Scope:        Scope{Files: []string{"x.go"}},
	}
	cp := orig.Clone()
	cp.Dependencies[0] = "changed"
	cp.Scope.Files[0] = "changed"

	if orig.Dependencies[0] != "t0" || orig.Scope.Files[0] != "x.go" {
		t.Error("Clone shares slices with the original")
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	tests := map[ErrorKind]bool{
		ErrorExitNonZero:  true,
		ErrorTimeout:      true,
		ErrorSpawnFailure: true,
		ErrorBlocked:      false,
		ErrorCancelled:    false,
		ErrorNone:         false,
	}
	for kind, want := range tests {
		if got := kind.Retryable(); got != want {
			t.Errorf("%q.Retryable() = %v, want %v", kind, got, want)
		}
	}
}
