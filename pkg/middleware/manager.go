// Package middleware implements the downloader middleware chain: ordered
// request, response and exception interceptors wrapped around a fetch.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// Result is either a Response or a Request, never both. The zero Result
// means "no result" and is only meaningful as an interceptor return value.
type Result struct {
	Response *models.Response
	Request  *models.Request
}

// Empty reports whether neither field is set.
func (r Result) Empty() bool { return r.Response == nil && r.Request == nil }

func (r Result) kind() string {
	switch {
	case r.Response != nil && r.Request != nil:
		return "Response and Request"
	case r.Response != nil:
		return "Response"
	case r.Request != nil:
		return "Request"
	}
	return "nothing"
}

// FetchFunc performs the actual download at the center of the chain.
type FetchFunc func(ctx context.Context, req *models.Request) (*models.Response, error)

// RequestInterceptor runs before the fetch. An empty Result continues the
// chain; a Response or Request skips the remaining interceptors and the fetch.
type RequestInterceptor interface {
	ProcessRequest(ctx context.Context, req *models.Request) (Result, error)
}

// ResponseInterceptor runs after the fetch and must return a Response or a Request.
type ResponseInterceptor interface {
	ProcessResponse(ctx context.Context, req *models.Request, resp *models.Response) (Result, error)
}

// ExceptionInterceptor runs when the request phase fails. An empty Result
// passes the error on to the next interceptor.
type ExceptionInterceptor interface {
	ProcessException(ctx context.Context, req *models.Request, err error) (Result, error)
}

type requestHook struct {
	name string
	fn   RequestInterceptor
}

type responseHook struct {
	name string
	fn   ResponseInterceptor
}

type exceptionHook struct {
	name string
	fn   ExceptionInterceptor
}

// Manager holds the registered middlewares. Request hooks are kept in
// registration order, response and exception hooks in reverse order.
type Manager struct {
	mu         sync.RWMutex
	names      []string
	requests   []requestHook
	responses  []responseHook
	exceptions []exceptionHook
	log        *logrus.Entry
}

func NewManager(log *logrus.Entry) *Manager {
	return &Manager{log: log.WithField("component", "downloader_middleware")}
}

// Register adds mw under name. It must implement at least one interceptor interface.
func (m *Manager) Register(name string, mw any) error {
	reqHook, hasReq := mw.(RequestInterceptor)
	respHook, hasResp := mw.(ResponseInterceptor)
	excHook, hasExc := mw.(ExceptionInterceptor)
	if !hasReq && !hasResp && !hasExc {
		return fmt.Errorf("%w: middleware %s (%T) implements no interceptor", utils.ErrNotConfigured, name, mw)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	if hasReq {
		m.requests = append(m.requests, requestHook{name, reqHook})
	}
	if hasResp {
		m.responses = append([]responseHook{{name, respHook}}, m.responses...)
	}
	if hasExc {
		m.exceptions = append([]exceptionHook{{name, excHook}}, m.exceptions...)
	}
	return nil
}

// Names returns the registered middlewares in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

func (m *Manager) snapshot() ([]requestHook, []responseHook, []exceptionHook) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests, m.responses, m.exceptions
}

// Download runs req through the chain with fetch as the innermost step.
// A Request result is returned to the caller for resubmission. Errors with
// utils.ErrInvalidOutput never reach the exception interceptors.
func (m *Manager) Download(ctx context.Context, fetch FetchFunc, req *models.Request) (Result, error) {
	requests, responses, exceptions := m.snapshot()

	result, err := m.processRequest(ctx, requests, fetch, req)
	if err != nil {
		if errors.Is(err, utils.ErrInvalidOutput) {
			return Result{}, err
		}
		result, err = m.processException(ctx, exceptions, req, err)
		if err != nil {
			return Result{}, err
		}
	}
	return m.processResponse(ctx, responses, req, result)
}

func (m *Manager) processRequest(ctx context.Context, hooks []requestHook, fetch FetchFunc, req *models.Request) (Result, error) {
	for _, h := range hooks {
		out, err := h.fn.ProcessRequest(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if out.Response != nil && out.Request != nil {
			return Result{}, invalidOutput(h.name, "ProcessRequest", "an empty Result, a Response or a Request", out)
		}
		if !out.Empty() {
			return out, nil
		}
	}
	resp, err := fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp}, nil
}

func (m *Manager) processResponse(ctx context.Context, hooks []responseHook, req *models.Request, result Result) (Result, error) {
	if result.Request != nil {
		return result, nil
	}
	if result.Response == nil {
		return Result{}, fmt.Errorf("%w: received no response to process for %s", utils.ErrInvalidOutput, req.URL)
	}
	for _, h := range hooks {
		out, err := h.fn.ProcessResponse(ctx, req, result.Response)
		if err != nil {
			return Result{}, err
		}
		if out.Empty() || (out.Response != nil && out.Request != nil) {
			return Result{}, invalidOutput(h.name, "ProcessResponse", "a Response or a Request", out)
		}
		if out.Request != nil {
			return out, nil
		}
		result = out
	}
	return result, nil
}

func (m *Manager) processException(ctx context.Context, hooks []exceptionHook, req *models.Request, cause error) (Result, error) {
	for _, h := range hooks {
		out, err := h.fn.ProcessException(ctx, req, cause)
		if err != nil {
			return Result{}, err
		}
		if out.Response != nil && out.Request != nil {
			return Result{}, invalidOutput(h.name, "ProcessException", "an empty Result, a Response or a Request", out)
		}
		if !out.Empty() {
			m.log.WithField("url", req.URL).Debugf("Middleware %s recovered from %s", h.name, utils.CategorizeError(cause))
			return out, nil
		}
	}
	return Result{}, cause
}

func invalidOutput(name, method, want string, got Result) error {
	return fmt.Errorf("%w: middleware %s.%s must return %s, got %s", utils.ErrInvalidOutput, name, method, want, got.kind())
}
