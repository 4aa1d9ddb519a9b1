package faults_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"envtrack/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("disk full")
	err := faults.Wrap(faults.CodeStorageFailure, "upload", "write file", base)
	if !errors.Is(err, faults.ErrStorageFailure) {
		t.Fatalf("expected code to be matchable, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"STORAGE_FAILURE", "upload", "write file", "disk full"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
	if err.PublicMessage() != "storage failure" {
		t.Fatalf("expected generic public message, got %q", err.PublicMessage())
	}
}

func TestFromTreatsUnknownErrorsAsInternal(t *testing.T) {
	err := faults.From(errors.New("sql: connection reset"))
	if !errors.Is(err, faults.ErrInternal) {
		t.Fatalf("expected INTERNAL, got %s", err.Code)
	}
	if strings.Contains(err.PublicMessage(), "sql") {
		t.Fatalf("public message leaks cause: %q", err.PublicMessage())
	}
	if err.Code.HTTPStatus() != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", err.Code.HTTPStatus())
	}
}

func TestCodeOfSeesThroughWrapping(t *testing.T) {
	inner := faults.New(faults.CodeNotIssued, "envelope is still in the warehouse")
	outer := fmt.Errorf("bind: %w", inner)
	if got := faults.CodeOf(outer); got != faults.CodeNotIssued {
		t.Fatalf("expected NOT_ISSUED, got %s", got)
	}
	if faults.CodeOf(nil) != "" {
		t.Fatal("expected empty code for nil")
	}
}

func TestHTTPHints(t *testing.T) {
	cases := map[faults.Code]int{
		faults.CodeNotFound:        http.StatusNotFound,
		faults.CodeInvalidStatus:   http.StatusConflict,
		faults.CodeConflict:        http.StatusConflict,
		faults.CodeRateLimited:     http.StatusTooManyRequests,
		faults.CodePayloadTooLarge: http.StatusRequestEntityTooLarge,
		faults.CodeBadFormat:       http.StatusBadRequest,
		faults.CodeValidation:      http.StatusBadRequest,
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := faults.New(faults.CodeConflict, "revision mismatch")
	withDetails := base.WithDetails(map[string]any{"current_revision": 2})
	if base.Details != nil {
		t.Fatal("expected original to stay without details")
	}
	if withDetails.Details["current_revision"] != 2 {
		t.Fatalf("unexpected details: %v", withDetails.Details)
	}
}
