package orchestrate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/downloader"
	"github.com/Sriram-PR/fetchpipe/pkg/media"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/storage"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type testSite struct {
	srv       *httptest.Server
	imageHits atomic.Int32
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><img src="/img/shared.png"><img src="img/one.png"></body></html>`)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><img src="/img/shared.png"></body></html>`)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		site.imageHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "bytes of %s", r.URL.Path)
	})
	site.srv = httptest.NewServer(mux)
	t.Cleanup(site.srv.Close)
	return site
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.Middleware.RetryEnabled = new(bool)
	cfg.Media.StoreDir = t.TempDir()
	_, err := cfg.Validate()
	require.NoError(t, err)

	dl, err := downloader.FromConfig(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	store, err := storage.NewBadgerStore("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	images, err := media.NewImages(cfg.Media, store, dl, testLogger())
	require.NoError(t, err)

	o, err := New(dl, images, 2, testLogger())
	require.NoError(t, err)
	return o
}

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(nil, nil, 1, testLogger())
	assert.ErrorIs(t, err, utils.ErrNotConfigured)
}

func TestOrchestrator_RunPages(t *testing.T) {
	site := newTestSite(t)
	o := newTestOrchestrator(t)

	results := o.RunPages(context.Background(), []string{
		site.srv.URL + "/page1",
		site.srv.URL + "/page2",
		site.srv.URL + "/missing",
	})
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	require.Len(t, results[0].Images, 2)
	assert.Equal(t, site.srv.URL+"/img/shared.png", results[0].Images[0].URL)
	assert.Equal(t, site.srv.URL+"/img/one.png", results[0].Images[1].URL)

	assert.True(t, results[1].Success)
	require.Len(t, results[1].Images, 1)
	assert.Equal(t, results[0].Images[0].Checksum, results[1].Images[0].Checksum)

	assert.False(t, results[2].Success)
	assert.Equal(t, "Media_Download", results[2].Category)
	assert.Contains(t, results[2].Error, "status 404")

	assert.Equal(t, int32(2), site.imageHits.Load(), "shared image is downloaded once")
}

func TestOrchestrator_RunImages(t *testing.T) {
	site := newTestSite(t)
	o := newTestOrchestrator(t)

	result := o.RunImages(context.Background(), []string{
		site.srv.URL + "/img/a.png",
		site.srv.URL + "/img/a.png",
	})
	assert.True(t, result.Success)
	require.Len(t, result.Images, 2)
	assert.Equal(t, models.MediaStatusDownloaded, result.Images[0].Status)
	assert.Equal(t, int32(1), site.imageHits.Load())
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	site := newTestSite(t)
	o := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := o.RunPages(ctx, []string{site.srv.URL + "/page1"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Category)
}
