package models

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Request is an intent to fetch a resource. The core treats it as read-only;
// only Meta may be annotated as the request moves through the pipeline.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
	Meta    *Meta

	// Callback and Errback belong to the caller. The media pipeline strips
	// them before fetching and delivers completion itself.
	Callback func(*Response)
	Errback  func(*Request, error)
}

// NewRequest builds a GET request with an empty header map and a fresh request ID.
func NewRequest(rawURL string) *Request {
	r := &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: make(http.Header),
		Meta:    NewMeta(),
	}
	r.Meta.Set(MetaRequestID, uuid.NewString())
	return r
}

// Copy returns a request with its own header map and meta bag. Body bytes are shared.
func (r *Request) Copy() *Request {
	c := *r
	c.Headers = r.Headers.Clone()
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	c.Meta = r.Meta.Clone()
	return &c
}

// EnsureMeta gives a literal-constructed request an empty meta bag.
func (r *Request) EnsureMeta() *Meta {
	if r.Meta == nil {
		r.Meta = NewMeta()
	}
	return r.Meta
}

// Host returns the lowercase host portion of the request URL, or "" when it cannot be parsed.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// GetMethod returns the request method, defaulting to GET.
func (r *Request) GetMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}
