package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/signal"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

func testAppConfig(t *testing.T, mutate func(*config.AppConfig)) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.Media.StoreDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

func newTestHandler(t *testing.T, bus signal.Bus, mutate func(*config.AppConfig)) (*Handler, *test.Hook) {
	t.Helper()
	log, hook := nullLog()
	h, err := NewHandler(testAppConfig(t, mutate), bus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, hook
}

// chunkedServer streams size bytes in flushed pieces without a Content-Length.
func chunkedServer(size int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		piece := []byte(strings.Repeat("x", 4096))
		for sent := 0; sent < size; sent += len(piece) {
			if _, err := w.Write(piece); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
}

func statusServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			n, _ := strconv.Atoi(r.URL.Query().Get("n"))
			w.WriteHeader(n)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
}

func TestHandler_StatusResponse(t *testing.T) {
	srv := statusServer()
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	req := models.NewRequest(srv.URL + "/status?n=500")
	resp, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, []byte{}, resp.Body)
	assert.True(t, strings.HasPrefix(resp.Protocol, "HTTP/1."), resp.Protocol)
	assert.Same(t, req, resp.Request)
	assert.Equal(t, "127.0.0.1", resp.IPAddress.String())
	assert.Empty(t, resp.Certificate)
	assert.Empty(t, resp.Flags)

	latency, ok := req.Meta.GetDuration(models.MetaDownloadLatency)
	assert.True(t, ok)
	assert.Greater(t, latency, time.Duration(0))
}

func TestHandler_StripsFragmentAndSendsHeaders(t *testing.T) {
	var gotUA, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		buf := make([]byte, 16)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	req := models.NewRequest(srv.URL + "/page#section")
	req.Method = http.MethodPost
	req.Body = []byte("payload")
	req.Headers.Set("User-Agent", "fetchpipe-test")

	resp, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/page", resp.URL)
	assert.Equal(t, "fetchpipe-test", gotUA)
	assert.Equal(t, "payload", gotBody)
}

func TestHandler_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL+"/old"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/new", resp.Headers.Get("Location"))
	assert.Equal(t, srv.URL+"/old", resp.URL)
}

func TestHandler_HeadersReceivedStop(t *testing.T) {
	srv := chunkedServer(64 * 1024)
	defer srv.Close()

	log, _ := nullLog()
	bus := signal.NewManager(log)
	var chunks int32
	bus.Connect(signal.HeadersReceived, "stopper", func(ctx context.Context, ev signal.Event) (signal.Outcome, error) {
		assert.Equal(t, int64(-1), ev.ExpectedSize)
		assert.NotNil(t, ev.Request)
		return signal.StopDownload, nil
	})
	bus.Connect(signal.BytesReceived, "counter", func(ctx context.Context, ev signal.Event) (signal.Outcome, error) {
		atomic.AddInt32(&chunks, 1)
		return signal.Continue, nil
	})
	h, _ := newTestHandler(t, bus, nil)

	resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, []byte{}, resp.Body)
	assert.Equal(t, []string{models.FlagDownloadStopped}, resp.Flags)
	assert.Equal(t, int32(0), atomic.LoadInt32(&chunks), "no body bytes are read")
}

func TestHandler_BytesReceivedStop(t *testing.T) {
	srv := chunkedServer(256 * 1024)
	defer srv.Close()

	log, _ := nullLog()
	bus := signal.NewManager(log)
	var seen int64
	bus.Connect(signal.BytesReceived, "stopper", func(ctx context.Context, ev signal.Event) (signal.Outcome, error) {
		atomic.AddInt64(&seen, int64(len(ev.Data)))
		return signal.StopDownload, nil
	})
	h, _ := newTestHandler(t, bus, nil)

	resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.NoError(t, err)
	assert.True(t, resp.HasFlag(models.FlagDownloadStopped))
	assert.NotEmpty(t, resp.Body)
	assert.LessOrEqual(t, len(resp.Body), chunkSize)
	assert.Equal(t, int64(len(resp.Body)), atomic.LoadInt64(&seen))
}

func TestHandler_MaxSizeFromContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(make([]byte, 100000))
	}))
	defer srv.Close()

	log, _ := nullLog()
	bus := signal.NewManager(log)
	var chunks int32
	bus.Connect(signal.BytesReceived, "counter", func(ctx context.Context, ev signal.Event) (signal.Outcome, error) {
		atomic.AddInt32(&chunks, 1)
		return signal.Continue, nil
	})
	h, hook := newTestHandler(t, bus, func(c *config.AppConfig) { c.Downloader.DownloadMaxSize = 1000 })

	_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrSizeLimitExceeded)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&chunks), "cancelled before any body read")
	assert.Equal(t, 1, warnings(hook, "larger than download max size"))
}

func TestHandler_MaxSizeWhileStreaming(t *testing.T) {
	srv := chunkedServer(1024 * 1024)
	defer srv.Close()

	log, _ := nullLog()
	bus := signal.NewManager(log)
	var consumed int64
	bus.Connect(signal.BytesReceived, "counter", func(ctx context.Context, ev signal.Event) (signal.Outcome, error) {
		atomic.AddInt64(&consumed, int64(len(ev.Data)))
		return signal.Continue, nil
	})
	const maxSize = 20000
	h, _ := newTestHandler(t, bus, func(c *config.AppConfig) { c.Downloader.DownloadMaxSize = maxSize })

	_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrSizeLimitExceeded)
	assert.LessOrEqual(t, atomic.LoadInt64(&consumed), int64(maxSize+chunkSize))
	assert.Greater(t, atomic.LoadInt64(&consumed), int64(maxSize))
}

func TestHandler_MaxSizeMetaOverride(t *testing.T) {
	srv := chunkedServer(64 * 1024)
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil) // default max is 1 GiB

	req := models.NewRequest(srv.URL)
	req.Meta.Set(models.MetaDownloadMaxSize, 5000)
	_, err := h.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, utils.ErrSizeLimitExceeded)

	req = models.NewRequest(srv.URL)
	req.Meta.Set(models.MetaDownloadMaxSize, 0) // 0 = unlimited
	resp, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(resp.Body), 64*1024)
}

// lyingLengthServer declares an enormous Content-Length and sends three bytes.
func lyingLengthServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1000000000000000\r\n\r\nabc")
			}()
		}
	}()
	return "http://" + ln.Addr().String() + "/"
}

func TestHandler_DeclaredLengthDoesNotPreallocate(t *testing.T) {
	target := lyingLengthServer(t)
	h, _ := newTestHandler(t, nil, nil)

	req := models.NewRequest(target)
	req.Meta.Set(models.MetaDownloadMaxSize, 0)
	var err error
	require.NotPanics(t, func() { _, err = h.Fetch(context.Background(), req) })
	assert.ErrorIs(t, err, utils.ErrDataLoss)

	req = models.NewRequest(target)
	req.Meta.Set(models.MetaDownloadMaxSize, 0)
	req.Meta.Set(models.MetaFailOnDataLoss, false)
	resp, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(resp.Body))
	assert.True(t, resp.HasFlag(models.FlagDataLoss))
}

func TestHandler_WarnSizeSingleWarning(t *testing.T) {
	t.Run("streaming", func(t *testing.T) {
		srv := chunkedServer(100 * 1024)
		defer srv.Close()
		h, hook := newTestHandler(t, nil, func(c *config.AppConfig) { c.Downloader.DownloadWarnSize = 1000 })

		resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(resp.Body), 100*1024)
		assert.Equal(t, 1, warnings(hook, "warn size"))
	})

	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "50000")
			_, _ = w.Write(make([]byte, 50000))
		}))
		defer srv.Close()
		h, hook := newTestHandler(t, nil, func(c *config.AppConfig) { c.Downloader.DownloadWarnSize = 1000 })

		resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		require.NoError(t, err)
		assert.Len(t, resp.Body, 50000)
		assert.Equal(t, 1, warnings(hook, "warn size"))
	})
}

func TestHandler_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	req := models.NewRequest(srv.URL + "/slow")
	req.Meta.Set(models.MetaDownloadTimeout, 50*time.Millisecond)

	start := time.Now()
	_, err := h.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrTimeout)
	assert.Contains(t, err.Error(), srv.URL+"/slow")
	assert.Contains(t, err.Error(), "50ms")
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandler_CallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Fetch(ctx, models.NewRequest(srv.URL))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, utils.ErrTimeout)
}

func TestHandler_TransportError(t *testing.T) {
	srv := statusServer()
	target := srv.URL
	srv.Close()

	h, hook := newTestHandler(t, nil, nil)
	_, err := h.Fetch(context.Background(), models.NewRequest(target))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrTransport)
	assert.NotEmpty(t, hook.AllEntries())
}

// shortBodyServer declares a longer Content-Length than it sends, then hangs up.
func shortBodyServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n0123456789")
		_ = buf.Flush()
	}))
}

func TestHandler_DataLoss(t *testing.T) {
	srv := shortBodyServer(t)
	defer srv.Close()

	t.Run("fails by default", func(t *testing.T) {
		h, _ := newTestHandler(t, nil, nil)
		_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		assert.ErrorIs(t, err, utils.ErrDataLoss)
	})

	t.Run("meta allows partial body", func(t *testing.T) {
		h, _ := newTestHandler(t, nil, nil)
		req := models.NewRequest(srv.URL)
		req.Meta.Set(models.MetaFailOnDataLoss, false)
		resp, err := h.Fetch(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(resp.Body))
		assert.True(t, resp.HasFlag(models.FlagDataLoss))
	})

	t.Run("config allows partial body", func(t *testing.T) {
		off := false
		h, _ := newTestHandler(t, nil, func(c *config.AppConfig) { c.Downloader.FailOnDataLoss = &off })
		resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		require.NoError(t, err)
		assert.True(t, resp.HasFlag(models.FlagDataLoss))
	})
}

func TestHandler_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	t.Run("default context does not verify", func(t *testing.T) {
		h, _ := newTestHandler(t, nil, nil)
		resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		require.NoError(t, err)
		assert.Equal(t, "secure", string(resp.Body))
		assert.True(t, strings.HasPrefix(resp.Certificate, "-----BEGIN CERTIFICATE-----"))
	})

	t.Run("browser-like context rejects self-signed", func(t *testing.T) {
		h, _ := newTestHandler(t, nil, func(c *config.AppConfig) { c.Downloader.TLSVerify = true })
		_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrTransport)
	})
}

func TestHandler_Proxy(t *testing.T) {
	var gotHost, gotAuth string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.URL.Host
		gotAuth = r.Header.Get("Proxy-Authorization")
		_, _ = w.Write([]byte("proxied"))
	}))
	defer proxy.Close()
	h, _ := newTestHandler(t, nil, nil)

	req := models.NewRequest("http://remote.invalid/resource")
	req.Meta.Set(models.MetaProxy, strings.Replace(proxy.URL, "http://", "http://user:pass@", 1))
	resp, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "proxied", string(resp.Body))
	assert.Equal(t, "remote.invalid", gotHost)
	assert.True(t, strings.HasPrefix(gotAuth, "Basic "))
}

func TestHandler_PerHostConcurrencyCap(t *testing.T) {
	var active, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil, func(c *config.AppConfig) { c.Downloader.ConcurrentRequestsPerDomain = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestHandler_CloseIdempotentAndRecreates(t *testing.T) {
	srv := statusServer()
	defer srv.Close()
	h, _ := newTestHandler(t, nil, nil)

	require.NoError(t, h.Close(), "close before first use")
	require.NoError(t, h.Close())

	_, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.NoError(t, err)
	first := h.getClient()

	require.NoError(t, h.Close())
	resp, err := h.Fetch(context.Background(), models.NewRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Body))
	assert.NotSame(t, first, h.getClient(), "client is recreated after close")
}

func TestHandler_ResolverOption(t *testing.T) {
	srv := statusServer()
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	r, calls := fakeResolver(t, map[string][]string{"fake.test": {"127.0.0.1"}})
	log, _ := nullLog()
	h, err := NewHandler(testAppConfig(t, nil), nil, log, WithResolver(r))
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 2; i++ {
		req := models.NewRequest("http://fake.test:" + port + "/")
		req.Headers.Set("Connection", "close")
		resp, err := h.Fetch(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(resp.Body))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestNewHandler_RequiresConfig(t *testing.T) {
	log, _ := nullLog()
	_, err := NewHandler(nil, nil, log)
	assert.True(t, errors.Is(err, utils.ErrNotConfigured))
}
