package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/fetch"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// Throttle delays requests so each host sees at most one request per delay.
type Throttle struct {
	limiter *fetch.RateLimiter
}

func NewThrottle(delay time.Duration, log *logrus.Entry) (*Throttle, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("%w: download delay disabled", utils.ErrNotConfigured)
	}
	return &Throttle{limiter: fetch.NewRateLimiter(delay, log.WithField("component", "throttle"))}, nil
}

func (t *Throttle) ProcessRequest(ctx context.Context, req *models.Request) (Result, error) {
	if err := t.limiter.Wait(ctx, req.Host()); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
