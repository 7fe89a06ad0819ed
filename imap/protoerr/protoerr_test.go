package protoerr

import (
	"fmt"
	"testing"
)

func TestReply(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{NonExistentErr("no such mailbox"), "NO [NONEXISTENT]"},
		{ParseErr("unexpected token"), "BAD [PARSE]"},
		{ServerShutdownErr(), "BYE"},
	}
	for _, tt := range tests {
		if got := tt.err.Reply(); got != tt.want {
			t.Errorf("Reply() = %q, want %q", got, tt.want)
		}
	}
}

func TestTranslateBackendError(t *testing.T) {
	tests := []struct {
		in       error
		wantCode string
	}{
		{ErrBackendNotFound, "NONEXISTENT"},
		{ErrBackendOverQuota, "OVERQUOTA"},
		{ErrBackendRateLimited, "LIMIT"},
		{ErrBackendAlreadyExist, "ALREADYEXISTS"},
		{ErrBackendBlobNotFound, "NONEXISTENT"},
		{fmt.Errorf("wrap: %w", ErrBackendForbidden), "NOPERM"},
	}
	for _, tt := range tests {
		got := TranslateBackendError(tt.in)
		if got.Code != tt.wantCode {
			t.Errorf("TranslateBackendError(%v).Code = %q, want %q", tt.in, got.Code, tt.wantCode)
		}
	}
}

func TestTranslateBackendErrorUnknown(t *testing.T) {
	got := TranslateBackendError(fmt.Errorf("boom"))
	if got.Kind != ContactAdmin {
		t.Errorf("unrecognized backend error should map to ContactAdmin, got %v", got.Kind)
	}
}
