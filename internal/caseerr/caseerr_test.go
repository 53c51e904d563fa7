package caseerr

import (
	"errors"
	"testing"
)

// --- error message formatting ---

func TestNotFoundError(t *testing.T) {
	err := &NotFound{Kind: "Case", ID: "abc-123"}
	want := "Case not found: abc-123"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestIntegrityMismatchErrorDoesNotLeakHashes(t *testing.T) {
	err := &IntegrityMismatch{EvidenceItemID: "e1", Expected: "aaaa", Actual: "bbbb"}
	got := err.Error()
	if got != "SHA-256 mismatch. Stored file contents changed." {
		t.Fatalf("Error() = %q, unexpected message", got)
	}
}

func TestInvalidWorkspaceStateCarriesCorrelationID(t *testing.T) {
	err := &InvalidWorkspaceState{CorrelationID: "corr-1", Reason: "missing tables"}
	got := err.Error()
	if !contains(got, "corr-1") || !contains(got, "missing tables") {
		t.Fatalf("Error() = %q, want it to contain correlation id and reason", got)
	}
}

// --- errors.As recovery ---

func TestErrorsAsRecoversIdentifierConflict(t *testing.T) {
	var wrapped error = &IdentifierConflict{ExistingTargetID: "t1", ExistingTargetName: "Jane Doe"}

	var conflict *IdentifierConflict
	if !errors.As(wrapped, &conflict) {
		t.Fatalf("errors.As failed to recover *IdentifierConflict")
	}
	if conflict.ExistingTargetID != "t1" {
		t.Fatalf("ExistingTargetID = %q, want t1", conflict.ExistingTargetID)
	}
}

func TestErrorsAsDoesNotConfuseDistinctTypes(t *testing.T) {
	var wrapped error = &WorkspaceDbLocked{Operation: "write", Attempts: 3, Path: "/x/workspace.db"}

	var conflict *IdentifierConflict
	if errors.As(wrapped, &conflict) {
		t.Fatalf("errors.As should not recover *IdentifierConflict from a *WorkspaceDbLocked")
	}

	var locked *WorkspaceDbLocked
	if !errors.As(wrapped, &locked) || locked.Attempts != 3 {
		t.Fatalf("errors.As failed to recover *WorkspaceDbLocked")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
