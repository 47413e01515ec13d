package middleware

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// Stats counts requests, responses and exceptions passing the chain.
type Stats struct {
	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	exceptions    *prometheus.CounterVec
	responseBytes prometheus.Histogram
}

// NewStats registers the downloader metrics on reg. Registering twice on
// the same registry panics, as with any promauto collector.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fetchpipe",
				Subsystem: "downloader",
				Name:      "requests_total",
				Help:      "Requests entering the downloader middleware chain",
			},
			[]string{"method"},
		),
		responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fetchpipe",
				Subsystem: "downloader",
				Name:      "responses_total",
				Help:      "Responses leaving the downloader, by status code",
			},
			[]string{"status_code"},
		),
		exceptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fetchpipe",
				Subsystem: "downloader",
				Name:      "exceptions_total",
				Help:      "Download failures, by error category",
			},
			[]string{"category"},
		),
		responseBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fetchpipe",
				Subsystem: "downloader",
				Name:      "response_bytes",
				Help:      "Response body sizes in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
			},
		),
	}
}

func (s *Stats) ProcessRequest(_ context.Context, req *models.Request) (Result, error) {
	s.requests.WithLabelValues(req.GetMethod()).Inc()
	return Result{}, nil
}

func (s *Stats) ProcessResponse(_ context.Context, _ *models.Request, resp *models.Response) (Result, error) {
	s.responses.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
	s.responseBytes.Observe(float64(len(resp.Body)))
	return Result{Response: resp}, nil
}

func (s *Stats) ProcessException(_ context.Context, _ *models.Request, err error) (Result, error) {
	s.exceptions.WithLabelValues(utils.CategorizeError(err)).Inc()
	return Result{}, nil
}
