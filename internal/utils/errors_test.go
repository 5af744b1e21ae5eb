package utils

import (
	"errors"
	"testing"
)

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewAppError("postgres.EnabledPatterns", "query enabled patterns", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected AppError to unwrap to cause")
	}
	if err.Error() != "postgres.EnabledPatterns: query enabled patterns: connection reset" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestBestEffortNilIsNoop(t *testing.T) {
	BestEffort(nil, "noop", nil)
}
