package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// RetryOptions configures Retry.
type RetryOptions struct {
	MaxTimes     int
	HTTPCodes    []int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Retry resubmits requests that failed with a transient error or with one of
// the configured status codes. The resubmitted request is a copy carrying
// retry_times in its meta. Requests with meta dont_retry are left alone.
type Retry struct {
	opts  RetryOptions
	codes map[int]struct{}
	log   *logrus.Entry
}

func NewRetry(opts RetryOptions, log *logrus.Entry) (*Retry, error) {
	if opts.MaxTimes <= 0 {
		return nil, fmt.Errorf("%w: retry_times is %d", utils.ErrNotConfigured, opts.MaxTimes)
	}
	codes := make(map[int]struct{}, len(opts.HTTPCodes))
	for _, c := range opts.HTTPCodes {
		codes[c] = struct{}{}
	}
	return &Retry{opts: opts, codes: codes, log: log.WithField("component", "retry")}, nil
}

func (r *Retry) ProcessResponse(ctx context.Context, req *models.Request, resp *models.Response) (Result, error) {
	if dont, _ := req.EnsureMeta().GetBool(models.MetaDontRetry); dont {
		return Result{Response: resp}, nil
	}
	if _, ok := r.codes[resp.Status]; !ok {
		return Result{Response: resp}, nil
	}
	next, err := r.retry(ctx, req, fmt.Sprintf("status %d", resp.Status))
	if err != nil {
		return Result{}, err
	}
	if next == nil {
		return Result{Response: resp}, nil
	}
	return Result{Request: next}, nil
}

func (r *Retry) ProcessException(ctx context.Context, req *models.Request, cause error) (Result, error) {
	if dont, _ := req.EnsureMeta().GetBool(models.MetaDontRetry); dont || !retryable(cause) {
		return Result{}, nil
	}
	next, err := r.retry(ctx, req, utils.CategorizeError(cause))
	if err != nil {
		return Result{}, err
	}
	if next == nil {
		return Result{}, fmt.Errorf("%w: %w", utils.ErrRetryFailed, cause)
	}
	return Result{Request: next}, nil
}

// retryable reports transient download failures. Size limits and
// cancellations by the caller are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, utils.ErrSizeLimitExceeded):
		return false
	case errors.Is(err, utils.ErrTimeout), errors.Is(err, utils.ErrTransport),
		errors.Is(err, utils.ErrDataLoss), errors.Is(err, utils.ErrSemaphoreTimeout):
		return true
	}
	return false
}

// retry sleeps the backoff for the next attempt and returns the request to
// resubmit, or nil when attempts are exhausted.
func (r *Retry) retry(ctx context.Context, req *models.Request, reason string) (*models.Request, error) {
	attempt := req.EnsureMeta().GetInt(models.MetaRetryTimes) + 1
	reqLog := r.log.WithFields(logrus.Fields{"url": req.URL, "reason": reason})
	if attempt > r.opts.MaxTimes {
		reqLog.Errorf("Gave up retrying %s (failed %d times): %s", req.URL, attempt, reason)
		return nil, nil
	}

	delay := r.backoff(attempt)
	reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": r.opts.MaxTimes, "delay": delay}).Warn("Retrying request...")
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		}
	}

	next := req.Copy()
	next.Meta.Set(models.MetaRetryTimes, attempt)
	return next, nil
}

// backoff is initial * 2^(attempt-1), capped at MaxDelay, with +/- 10% jitter.
func (r *Retry) backoff(attempt int) time.Duration {
	if r.opts.InitialDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(r.opts.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (r.opts.MaxDelay > 0 && delay > r.opts.MaxDelay) {
		delay = r.opts.MaxDelay
	}
	var jitter time.Duration
	if span := int64(delay) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span)) - delay/10
	}
	if delay+jitter < 0 {
		return 0
	}
	return delay + jitter
}
