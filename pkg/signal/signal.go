package signal

import (
	"context"
	"net/http"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
)

// Signal names a notification point in the download path
type Signal string

const (
	HeadersReceived          Signal = "headers_received"
	BytesReceived            Signal = "bytes_received"
	RequestReachedDownloader Signal = "request_reached_downloader"
	ResponseDownloaded       Signal = "response_downloaded"
)

// Outcome is what a handler asks the sender to do next
type Outcome int

const (
	Continue Outcome = iota
	StopDownload
)

func (o Outcome) String() string {
	if o == StopDownload {
		return "stop_download"
	}
	return "continue"
}

// Event carries the fields of one emission. Which fields are set depends on Signal.
type Event struct {
	Signal       Signal
	Request      *models.Request
	Response     *models.Response // response_downloaded
	Headers      http.Header      // headers_received
	ExpectedSize int64            // headers_received, -1 when unknown
	Data         []byte           // bytes_received, the chunk just read
}

// Handler receives events for the signals it is connected to. Returning an
// error never aborts the sender; the error is logged and recorded in the results.
type Handler func(ctx context.Context, ev Event) (Outcome, error)

// HandlerResult is the outcome of one handler for one emission
type HandlerResult struct {
	Name    string
	Outcome Outcome
	Err     error
}

// Bus is the emit side of the signal system, as consumed by the downloader.
type Bus interface {
	// Send calls every handler in connection order and returns their results.
	Send(ctx context.Context, ev Event) []HandlerResult
	// SendAsync runs every handler concurrently and returns once all have finished.
	SendAsync(ctx context.Context, ev Event) []HandlerResult
}

// Stopped reports whether any handler asked to stop the download.
func Stopped(results []HandlerResult) bool {
	for _, r := range results {
		if r.Err == nil && r.Outcome == StopDownload {
			return true
		}
	}
	return false
}

// Nop is a Bus with no handlers.
type Nop struct{}

func (Nop) Send(context.Context, Event) []HandlerResult { return nil }
func (Nop) SendAsync(context.Context, Event) []HandlerResult { return nil }
