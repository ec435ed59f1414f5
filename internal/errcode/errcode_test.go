package errcode

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_ThroughWrapping(t *testing.T) {
	err := New(ReportNotFound, "report %s not found", "a/b")
	wrapped := fmt.Errorf("dispatch: %w", err)

	if !Is(wrapped, ReportNotFound) {
		t.Error("Is must see through fmt.Errorf wrapping")
	}
	if Is(wrapped, ImportCycle) {
		t.Error("Is must not match a different code")
	}
	if CodeOf(wrapped) != ReportNotFound {
		t.Errorf("CodeOf got %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("uncoded errors have no code")
	}
}

func TestError_Annotations(t *testing.T) {
	base := New(SqlExecutionError, "syntax error")
	annotated := base.WithReport("demo/r").WithDetail("node %s", "base")

	if base.Report != "" {
		t.Error("WithReport must not mutate the original")
	}
	msg := annotated.Error()
	for _, want := range []string{"SqlExecutionError", "syntax error", "demo/r", "node base"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
