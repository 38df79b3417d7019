// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrNetwork, Message: "dispatch failed", Err: errors.New("connection refused")},
			want:     "[NETWORK_ERROR] dispatch failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap_Unwrap verifies the wrapped error stays reachable.
func TestWrap_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(ErrDatabase, "insert failed", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Unwrap() != base {
		t.Error("Unwrap() should return the wrapped error")
	}
}

// TestIs verifies code matching through wrapped chains.
func TestIs(t *testing.T) {
	inner := New(ErrSignatureMismatch, "bad signature")
	outer := Wrap(ErrSecurity, "security gate", inner)
	viaFmt := fmt.Errorf("sync pass: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", inner, ErrSignatureMismatch, true},
		{"outer code", outer, ErrSecurity, true},
		{"inner code through outer", outer, ErrSignatureMismatch, true},
		{"through fmt wrapping", viaFmt, ErrSignatureMismatch, true},
		{"different code", outer, ErrNetwork, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(ErrNetwork, "x", New(ErrInternal, "y")))
	if got := CodeOf(err); got != ErrNetwork {
		t.Errorf("CodeOf() = %q, want %q", got, ErrNetwork)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

// TestIsSecurity verifies the security class covers all license failures.
func TestIsSecurity(t *testing.T) {
	for _, code := range []ErrorCode{ErrSecurity, ErrLicenseExpired, ErrSignatureMismatch, ErrClockTampered} {
		if !IsSecurity(New(code, "x")) {
			t.Errorf("IsSecurity(%s) = false, want true", code)
		}
	}
	if IsSecurity(New(ErrNetwork, "x")) {
		t.Error("network errors are not security errors")
	}
}

// TestSentinels verifies sentinel codes.
func TestSentinels(t *testing.T) {
	if !Is(fmt.Errorf("get: %w", StorageUnavailable), ErrStorageUnavailable) {
		t.Error("StorageUnavailable should carry ErrStorageUnavailable")
	}
	if RestoreExpired.Error() != "[RESTORE_EXPIRED] cannot restore: grace period expired" {
		t.Errorf("unexpected message %q", RestoreExpired.Error())
	}
}
