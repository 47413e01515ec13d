package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// DefaultHeaders sets headers that the request does not already carry.
type DefaultHeaders struct {
	headers http.Header
}

// NewDefaultHeaders merges userAgent into headers as User-Agent. Returns
// utils.ErrNotConfigured when there is nothing to set.
func NewDefaultHeaders(userAgent string, headers map[string]string) (*DefaultHeaders, error) {
	h := make(http.Header, len(headers)+1)
	for k, v := range headers {
		h.Set(k, v)
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: no default headers", utils.ErrNotConfigured)
	}
	return &DefaultHeaders{headers: h}, nil
}

func (d *DefaultHeaders) ProcessRequest(_ context.Context, req *models.Request) (Result, error) {
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	for k, vs := range d.headers {
		if _, ok := req.Headers[k]; !ok {
			req.Headers[k] = append([]string(nil), vs...)
		}
	}
	return Result{}, nil
}
