package fetch

import (
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/signal"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// chunkSize is the largest slice of body handed to bytes_received handlers.
const chunkSize = 8 * 1024

// maxPrealloc caps the buffer reserved from a declared Content-Length.
const maxPrealloc = 1 << 20

// AgentOptions are the handler-level defaults; request meta overrides them.
type AgentOptions struct {
	MaxSize        int64 // 0 = unlimited
	WarnSize       int64 // 0 = never warn
	FailOnDataLoss bool
	Timeout        time.Duration
}

// Agent performs a single HTTP exchange over the handler's pooled client.
type Agent struct {
	client  *http.Client
	signals signal.Bus
	opts    AgentOptions
	log     *logrus.Entry
}

func NewAgent(client *http.Client, signals signal.Bus, opts AgentOptions, log *logrus.Entry) *Agent {
	if signals == nil {
		signals = signal.Nop{}
	}
	return &Agent{client: client, signals: signals, opts: opts, log: log}
}

// effective* return the request meta override, else the agent default.
func (a *Agent) effectiveTimeout(meta *models.Meta) time.Duration {
	if d, ok := meta.GetDuration(models.MetaDownloadTimeout); ok && d > 0 {
		return d
	}
	return a.opts.Timeout
}

func (a *Agent) effectiveMaxSize(meta *models.Meta) int64 {
	if n, ok := meta.GetInt64(models.MetaDownloadMaxSize); ok {
		return n
	}
	return a.opts.MaxSize
}

func (a *Agent) effectiveWarnSize(meta *models.Meta) int64 {
	if n, ok := meta.GetInt64(models.MetaDownloadWarnSize); ok {
		return n
	}
	return a.opts.WarnSize
}

func (a *Agent) effectiveFailOnDataLoss(meta *models.Meta) bool {
	if b, ok := meta.GetBool(models.MetaFailOnDataLoss); ok {
		return b
	}
	return a.opts.FailOnDataLoss
}

// Fetch downloads req. It fails with utils.ErrTimeout when the download
// timeout elapses, utils.ErrSizeLimitExceeded when the max size guard trips,
// and utils.ErrTransport for connection, TLS and protocol failures.
func (a *Agent) Fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	meta := req.EnsureMeta()
	log := a.log.WithFields(logrus.Fields{"url": req.URL, "request_id": meta.GetString(models.MetaRequestID)})

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing '%s': %w", utils.ErrRequestCreation, req.URL, err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	target := u.String()

	timeout := a.effectiveTimeout(meta)
	fetchCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	if p := meta.GetString(models.MetaProxy); p != "" {
		proxyURL, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid proxy '%s': %w", utils.ErrRequestCreation, p, err)
		}
		fetchCtx = withProxy(fetchCtx, proxyURL)
	}

	var remoteAddr net.Addr
	fetchCtx = httptrace.WithClientTrace(fetchCtx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			remoteAddr = info.Conn.RemoteAddr()
		},
	})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(fetchCtx, req.GetMethod(), target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	for k, vs := range req.Headers {
		httpReq.Header[k] = append([]string(nil), vs...)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.mapError(ctx, fetchCtx, target, timeout, err, log)
	}
	defer resp.Body.Close() // Close without draining: the connection is dropped, not reused

	meta.Set(models.MetaDownloadLatency, time.Since(start))

	expected := resp.ContentLength // -1 when unknown
	results := a.signals.Send(ctx, signal.Event{
		Signal:       signal.HeadersReceived,
		Request:      req,
		Headers:      resp.Header,
		ExpectedSize: expected,
	})
	if signal.Stopped(results) {
		log.Debugf("Download stopped for %s from signal handler on headers_received", target)
		return a.buildResponse(req, resp, []byte{}, remoteAddr, models.FlagDownloadStopped), nil
	}

	maxSize := a.effectiveMaxSize(meta)
	warnSize := a.effectiveWarnSize(meta)

	if maxSize > 0 && expected > maxSize {
		log.Warnf("Cancelling download of %s: expected response size (%d) larger than download max size (%d).", target, expected, maxSize)
		return nil, fmt.Errorf("%w: expected size %d > max %d for %s: %w", utils.ErrSizeLimitExceeded, expected, maxSize, target, context.Canceled)
	}

	warned := false
	if warnSize > 0 && expected > warnSize {
		log.Warnf("Expected response size (%d) larger than download warn size (%d) in request %s.", expected, warnSize, target)
		warned = true
	}

	var buf bytes.Buffer
	if expected > 0 {
		buf.Grow(int(min(expected, maxPrealloc)))
	}
	chunk := make([]byte, chunkSize)
	var flags []string
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			data := buf.Bytes()[buf.Len()-n:]

			results := a.signals.Send(ctx, signal.Event{
				Signal:  signal.BytesReceived,
				Request: req,
				Data:    data,
			})
			if signal.Stopped(results) {
				log.Debugf("Download stopped for %s from signal handler on bytes_received", target)
				return a.buildResponse(req, resp, buf.Bytes(), remoteAddr, models.FlagDownloadStopped), nil
			}

			total := int64(buf.Len())
			if maxSize > 0 && total > maxSize {
				log.Warnf("Received (%d) bytes larger than download max size (%d) in request %s.", total, maxSize, target)
				buf.Reset()
				cancel()
				return nil, fmt.Errorf("%w: received %d bytes > max %d for %s: %w", utils.ErrSizeLimitExceeded, total, maxSize, target, context.Canceled)
			}
			if warnSize > 0 && total > warnSize && !warned {
				log.Warnf("Received more bytes than download warn size (%d) in request %s.", warnSize, target)
				warned = true
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if errors.Is(readErr, io.ErrUnexpectedEOF) {
			if a.effectiveFailOnDataLoss(meta) {
				log.Errorf("Got data loss in %s. If you want to process broken responses set download_fail_on_dataloss to false.", target)
				return nil, fmt.Errorf("%w: %s: got %d bytes, expected %d", utils.ErrDataLoss, target, buf.Len(), expected)
			}
			log.Warnf("Got data loss in %s, returning %d bytes with the dataloss flag", target, buf.Len())
			flags = append(flags, models.FlagDataLoss)
			break
		}
		return nil, a.mapError(ctx, fetchCtx, target, timeout, readErr, log)
	}

	return a.buildResponse(req, resp, buf.Bytes(), remoteAddr, flags...), nil
}

// mapError turns a transport failure into the pipeline's error taxonomy
func (a *Agent) mapError(parent, fetchCtx context.Context, target string, timeout time.Duration, err error, log *logrus.Entry) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: getting %s took longer than %v: %w", utils.ErrTimeout, target, timeout, context.DeadlineExceeded)
	}
	log.Errorf("Error downloading %s: %v", target, err)
	return fmt.Errorf("%w: %w", utils.ErrTransport, err)
}

func (a *Agent) buildResponse(req *models.Request, resp *http.Response, body []byte, remote net.Addr, flags ...string) *models.Response {
	if body == nil {
		body = []byte{}
	}
	out := &models.Response{
		Status:   resp.StatusCode,
		Headers:  resp.Header,
		Body:     body,
		URL:      resp.Request.URL.String(),
		Protocol: fmt.Sprintf("HTTP/%d.%d", resp.ProtoMajor, resp.ProtoMinor),
		Flags:    flags,
		Request:  req,
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		out.IPAddress = tcp.IP
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		out.Certificate = string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: resp.TLS.PeerCertificates[0].Raw,
		}))
	}
	return out
}
