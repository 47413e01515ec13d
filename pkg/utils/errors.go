package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrTimeout           = errors.New("download timed out")               // Per-request deadline elapsed
	ErrSizeLimitExceeded = errors.New("response size limit exceeded")     // Wraps context.Canceled
	ErrTransport         = errors.New("transport error")                  // Wraps net/TLS/http errors
	ErrDataLoss          = errors.New("response body ended prematurely")  // Content-Length not satisfied
	ErrInvalidOutput     = errors.New("middleware returned invalid value") // Never routed to exception hooks
	ErrNotConfigured     = errors.New("component not configured")
	ErrIgnoreRequest     = errors.New("request ignored")
	ErrRobotsDisallowed  = fmt.Errorf("%w: disallowed by robots.txt", ErrIgnoreRequest)
	ErrRetryFailed       = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrResubmitLimit     = errors.New("too many request resubmissions")
	ErrSemaphoreTimeout  = errors.New("timeout acquiring semaphore")
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrMediaDownload     = errors.New("media download failed") // Non-200 or empty body for a media request
	ErrFilesystem        = errors.New("filesystem error")      // Wraps os errors
	ErrDatabase          = errors.New("database error")        // Wraps badger errors
	ErrConfigValidation  = errors.New("configuration validation error")
)

// sentinels are the error kinds a minimized Failure can still match.
var sentinels = []error{
	ErrRobotsDisallowed,
	ErrIgnoreRequest,
	ErrSizeLimitExceeded,
	ErrTimeout,
	ErrDataLoss,
	ErrTransport,
	ErrInvalidOutput,
	ErrNotConfigured,
	ErrRetryFailed,
	ErrResubmitLimit,
	ErrSemaphoreTimeout,
	ErrRequestCreation,
	ErrResponseBodyRead,
	ErrMediaDownload,
	ErrFilesystem,
	ErrDatabase,
	ErrConfigValidation,
	context.Canceled,
	context.DeadlineExceeded,
}

// Failure is a captured download error. It keeps the category and message of
// the original error; Minimize drops everything else.
type Failure struct {
	Kind    string
	Message string
	err     error
}

// NewFailure captures err. Returns nil for a nil error; an existing *Failure is returned as is.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: CategorizeError(err), Message: err.Error(), err: err}
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.err }

// Minimize returns a copy that references no live objects from the original
// error chain. Every matching sentinel is kept so errors.Is still works.
func (f *Failure) Minimize() *Failure {
	if f == nil {
		return nil
	}
	m := &Failure{Kind: f.Kind, Message: f.Message}
	var matches []error
	for _, s := range sentinels {
		if errors.Is(f.err, s) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
	case 1:
		m.err = matches[0]
	default:
		m.err = errors.Join(matches...)
	}
	return m
}

// IsQuiet reports errors that are expected control flow and should not be logged as failures.
func IsQuiet(err error) bool {
	return errors.Is(err, ErrIgnoreRequest)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrIgnoreRequest):
		return "Policy_Ignored"
	case errors.Is(err, ErrRetryFailed):
		// The last attempt's error is wrapped alongside the sentinel
		if errors.Is(err, ErrTimeout) {
			return "RetryFailed_Timeout"
		}
		errMsg := err.Error()
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrSizeLimitExceeded):
		return "Download_SizeLimit"
	case errors.Is(err, ErrTimeout):
		return "Download_Timeout"
	case errors.Is(err, ErrDataLoss):
		return "Download_DataLoss"
	case errors.Is(err, ErrInvalidOutput):
		return "Middleware_InvalidOutput"
	case errors.Is(err, ErrNotConfigured):
		return "Internal_NotConfigured"
	case errors.Is(err, ErrResubmitLimit):
		return "Download_ResubmitLimit"
	case errors.Is(err, ErrMediaDownload):
		return "Media_Download"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// Context errors
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	// Network errors, wrapped by ErrTransport or bare
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}
	if strings.Contains(lowerErrMsg, "broken pipe") {
		return "Network_BrokenPipe"
	}
	if errors.Is(err, ErrTransport) {
		return "Network_Other"
	}

	return "Unknown"
}
