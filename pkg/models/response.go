package models

import (
	"net"
	"net/http"
	"slices"
)

// Response flags.
const (
	FlagDownloadStopped = "download_stopped"
	FlagDataLoss        = "dataloss"
	FlagCached          = "cached"
)

// Response is the outcome of a completed fetch. It is not modified after construction.
type Response struct {
	Status      int
	Headers     http.Header
	Body        []byte // Never nil; empty when no body was read
	URL         string
	Protocol    string // e.g. "HTTP/1.1"
	IPAddress   net.IP // Peer address, nil when unknown
	Certificate string // PEM of the peer leaf certificate, "" for plain HTTP
	Flags       []string
	Request     *Request
}

// HasFlag reports whether flag is set on the response.
func (r *Response) HasFlag(flag string) bool {
	return slices.Contains(r.Flags, flag)
}

// WithRequest returns a shallow copy bound to req. Used when a cached
// response is handed to a different caller.
func (r *Response) WithRequest(req *Request) *Response {
	c := *r
	c.Request = req
	return &c
}
