package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// --- CategorizeError Tests ---

func TestCategorizeError_NilError(t *testing.T) {
	result := CategorizeError(nil)
	if result != "None" {
		t.Errorf("CategorizeError(nil) = %q, want %q", result, "None")
	}
}

func TestCategorizeError_SentinelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"RobotsDisallowed", ErrRobotsDisallowed, "Policy_Robots"},
		{"IgnoreRequest", ErrIgnoreRequest, "Policy_Ignored"},
		{"SizeLimit", ErrSizeLimitExceeded, "Download_SizeLimit"},
		{"Timeout", ErrTimeout, "Download_Timeout"},
		{"DataLoss", ErrDataLoss, "Download_DataLoss"},
		{"InvalidOutput", ErrInvalidOutput, "Middleware_InvalidOutput"},
		{"NotConfigured", ErrNotConfigured, "Internal_NotConfigured"},
		{"ResubmitLimit", ErrResubmitLimit, "Download_ResubmitLimit"},
		{"MediaDownload", ErrMediaDownload, "Media_Download"},
		{"SemaphoreTimeout", ErrSemaphoreTimeout, "Resource_SemaphoreTimeout"},
		{"RequestCreation", ErrRequestCreation, "Internal_RequestCreation"},
		{"ResponseBodyRead", ErrResponseBodyRead, "Network_BodyRead"},
		{"ConfigValidation", ErrConfigValidation, "Config_Validation"},
		{"Database", ErrDatabase, "Database_Other"},
		{"Filesystem", ErrFilesystem, "Filesystem_Other"},
		{"TransportBare", ErrTransport, "Network_Other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_WrappedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "SizeLimitWrapsCancel",
			err:      fmt.Errorf("%w: %w", ErrSizeLimitExceeded, context.Canceled),
			expected: "Download_SizeLimit",
		},
		{
			name:     "FilesystemPermission",
			err:      fmt.Errorf("%w: %w", ErrFilesystem, os.ErrPermission),
			expected: "Filesystem_Permission",
		},
		{
			name:     "TransportConnectionRefused",
			err:      fmt.Errorf("%w: dial tcp 127.0.0.1:1: connect: connection refused", ErrTransport),
			expected: "Network_ConnectionRefused",
		},
		{
			name:     "RetryFailedTimeout",
			err:      fmt.Errorf("%w: %w", ErrRetryFailed, ErrTimeout),
			expected: "RetryFailed_Timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_ContextErrors(t *testing.T) {
	if got := CategorizeError(context.Canceled); got != "System_ContextCanceled" {
		t.Errorf("CategorizeError(Canceled) = %q", got)
	}
	if got := CategorizeError(context.DeadlineExceeded); got != "System_ContextDeadlineExceeded" {
		t.Errorf("CategorizeError(DeadlineExceeded) = %q", got)
	}
}

func TestCategorizeError_Unknown(t *testing.T) {
	if got := CategorizeError(errors.New("something odd")); got != "Unknown" {
		t.Errorf("CategorizeError(unknown) = %q, want Unknown", got)
	}
}

// --- Failure Tests ---

func TestNewFailure(t *testing.T) {
	if NewFailure(nil) != nil {
		t.Fatal("NewFailure(nil) should be nil")
	}

	err := fmt.Errorf("%w: fetching http://x/: %w", ErrTimeout, context.DeadlineExceeded)
	f := NewFailure(err)
	if f.Kind != "Download_Timeout" {
		t.Errorf("Kind = %q, want Download_Timeout", f.Kind)
	}
	if f.Error() != err.Error() {
		t.Errorf("Error() = %q, want %q", f.Error(), err.Error())
	}
	if !errors.Is(f, ErrTimeout) {
		t.Error("Failure should unwrap to ErrTimeout")
	}
	if NewFailure(f) != f {
		t.Error("NewFailure of a Failure should return it unchanged")
	}
}

type heavyError struct{ payload []byte }

func (h *heavyError) Error() string { return "heavy" }

func TestFailure_Minimize(t *testing.T) {
	heavy := &heavyError{payload: make([]byte, 1024)}
	f := NewFailure(fmt.Errorf("%w: %w", ErrTransport, heavy))
	m := f.Minimize()

	if m.Kind != f.Kind || m.Message != f.Message {
		t.Errorf("Minimize changed kind/message: %+v vs %+v", m, f)
	}
	if !errors.Is(m, ErrTransport) {
		t.Error("minimized failure should keep matching its sentinel")
	}
	var he *heavyError
	if errors.As(m, &he) {
		t.Error("minimized failure must not reference the original error chain")
	}
	if CategorizeError(m) != f.Kind {
		t.Errorf("CategorizeError(minimized) = %q, want %q", CategorizeError(m), f.Kind)
	}

	plain := NewFailure(errors.New("plain")).Minimize()
	if plain.Unwrap() != nil {
		t.Error("failure without a sentinel should minimize to no wrapped error")
	}
}

func TestFailure_MinimizeKeepsEveryKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []error
	}{
		{"media wraps timeout", fmt.Errorf("%w: code 500: %w", ErrMediaDownload, fmt.Errorf("%w: slow", ErrTimeout)), []error{ErrMediaDownload, ErrTimeout}},
		{"retry wraps transport", fmt.Errorf("%w: %w", ErrRetryFailed, fmt.Errorf("%w: connection refused", ErrTransport)), []error{ErrRetryFailed, ErrTransport}},
		{"size limit is a cancellation", fmt.Errorf("%w: received 10 bytes > max 5: %w", ErrSizeLimitExceeded, context.Canceled), []error{ErrSizeLimitExceeded, context.Canceled}},
		{"robots is quiet", fmt.Errorf("%w: https://example.com/x", ErrRobotsDisallowed), []error{ErrRobotsDisallowed, ErrIgnoreRequest}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewFailure(tt.err).Minimize()
			for _, want := range tt.want {
				if !errors.Is(m, want) {
					t.Errorf("minimized failure does not match %v", want)
				}
			}
			if m.Error() != tt.err.Error() {
				t.Errorf("Error() = %q, want %q", m.Error(), tt.err.Error())
			}
		})
	}
}

func TestIsQuiet(t *testing.T) {
	if !IsQuiet(ErrRobotsDisallowed) {
		t.Error("robots disallow should be quiet")
	}
	if !IsQuiet(fmt.Errorf("mw: %w", ErrIgnoreRequest)) {
		t.Error("wrapped ignore should be quiet")
	}
	if IsQuiet(ErrTimeout) {
		t.Error("timeout should not be quiet")
	}
}

// --- SanitizeExtension Tests ---

func TestSanitizeExtension(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/img/logo.png", ".png"},
		{"/img/LOGO.JPEG", ".jpeg"},
		{"/img/archive.tar.gz", ".gz"},
		{"/img/noext", ""},
		{"/img/trailing.", ""},
		{"/img/long.verylong", ""},
		{"/img/bad.p_g", ""},
		{"/dir.d/file", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeExtension(tt.input); got != tt.expected {
			t.Errorf("SanitizeExtension(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

// --- Hash Tests ---

func TestCalculateStringSHA1(t *testing.T) {
	// sha1("abc")
	expected := "a9993e364706816aba3e25717850c26c9cd0d89d"
	if got := CalculateStringSHA1("abc"); got != expected {
		t.Errorf("CalculateStringSHA1(abc) = %q, want %q", got, expected)
	}
}

func TestCalculateMD5(t *testing.T) {
	// md5("hello")
	expected := "5d41402abc4b2a76b9719d911017c592"
	if got := CalculateBytesMD5([]byte("hello")); got != expected {
		t.Errorf("CalculateBytesMD5(hello) = %q, want %q", got, expected)
	}

	tmpFile := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(tmpFile, []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	got, err := CalculateFileMD5(tmpFile)
	if err != nil {
		t.Fatalf("CalculateFileMD5() unexpected error: %v", err)
	}
	if got != expected {
		t.Errorf("CalculateFileMD5() = %q, want %q", got, expected)
	}

	if _, err := CalculateFileMD5(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("CalculateFileMD5() on missing file should error")
	}
}
