package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// DownloadTimeout records the default download_timeout in request meta so
// later stages can read the effective deadline.
type DownloadTimeout struct {
	timeout time.Duration
}

func NewDownloadTimeout(timeout time.Duration) (*DownloadTimeout, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: download timeout disabled", utils.ErrNotConfigured)
	}
	return &DownloadTimeout{timeout: timeout}, nil
}

func (d *DownloadTimeout) ProcessRequest(_ context.Context, req *models.Request) (Result, error) {
	meta := req.EnsureMeta()
	if _, ok := meta.Get(models.MetaDownloadTimeout); !ok {
		meta.Set(models.MetaDownloadTimeout, d.timeout)
	}
	return Result{}, nil
}
