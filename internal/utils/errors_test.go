package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorMessage(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err  *AppError
		want string
	}{
		{&AppError{Op: "Router.Start", Message: "open failed", Err: base}, "Router.Start: open failed: boom"},
		{&AppError{Op: "Router.Start", Message: "open failed"}, "Router.Start: open failed"},
		{&AppError{Op: "Router.Start", Err: base}, "Router.Start: boom"},
		{&AppError{Message: "open failed"}, "open failed"},
		{&AppError{}, "error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(CodePersistFailed, "Engine.Finalize", "upload failed", nil))

	if !IsCode(err, CodePersistFailed) {
		t.Fatal("IsCode should see through fmt wrapping")
	}
	if got := CodeOf(err); got != CodePersistFailed {
		t.Errorf("CodeOf = %s, want %s", got, CodePersistFailed)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(CodeAdapterError) {
		t.Error("ADAPTER_ERROR should be recoverable")
	}
	if Recoverable(CodePersistFailed) {
		t.Error("PERSIST_FAILED must be terminal")
	}
	if Recoverable(CodeSessionNotFound) {
		t.Error("SESSION_NOT_FOUND must be terminal")
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(E(CodeSessionNotFound, "op", "", nil)); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
	if got := HTTPStatus(ErrNotFound); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
}
