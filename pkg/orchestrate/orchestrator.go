// Package orchestrate runs pages and image lists through the media pipeline
// in parallel, sharing one downloader and one pipeline between them.
package orchestrate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/fetchpipe/pkg/media"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// DefaultMaxConcurrent is used when New is given a non-positive limit
const DefaultMaxConcurrent = 4

// ItemProcessor is satisfied by *media.Pipeline[*models.Item, models.FileInfo]
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item *models.Item) *models.Item
}

// PageResult contains the result of processing a single page or image list
type PageResult struct {
	URL      string            `json:"url"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Category string            `json:"category,omitempty"`
	Images   []models.FileInfo `json:"images"`
	Duration time.Duration     `json:"duration_ns"`
}

// Orchestrator manages parallel processing of pages
type Orchestrator struct {
	dl              media.Downloader
	images          ItemProcessor
	globalSemaphore *semaphore.Weighted
	log             *logrus.Entry
}

// New creates an orchestrator. maxConcurrent bounds the number of pages in
// progress at once across all Run calls.
func New(dl media.Downloader, images ItemProcessor, maxConcurrent int, log *logrus.Entry) (*Orchestrator, error) {
	if dl == nil || images == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a downloader and an image pipeline", utils.ErrNotConfigured)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{
		dl:              dl,
		images:          images,
		globalSemaphore: semaphore.NewWeighted(int64(maxConcurrent)),
		log:             log.WithField("component", "orchestrator"),
	}, nil
}

// RunPages fetches every page, collects its <img> tags and downloads them.
// Results are in input order.
func (o *Orchestrator) RunPages(ctx context.Context, pageURLs []string) []PageResult {
	startTime := time.Now()
	o.log.Infof("Starting parallel processing of %d pages", len(pageURLs))

	results := make([]PageResult, len(pageURLs))
	var wg sync.WaitGroup
	for i, pageURL := range pageURLs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.processPage(ctx, pageURL)
		}()
	}
	wg.Wait()

	o.logSummary(results, time.Since(startTime))
	return results
}

// RunImages downloads imageURLs as the image list of a single item.
func (o *Orchestrator) RunImages(ctx context.Context, imageURLs []string) PageResult {
	startTime := time.Now()
	result := PageResult{URL: "(images)"}
	if err := o.acquire(ctx); err != nil {
		return o.fail(result, startTime, err)
	}
	defer o.globalSemaphore.Release(1)

	item := o.images.ProcessItem(ctx, &models.Item{ImageURLs: imageURLs})
	result.Images = item.Images
	result.Success = true
	result.Duration = time.Since(startTime)
	o.logSummary([]PageResult{result}, result.Duration)
	return result
}

func (o *Orchestrator) processPage(ctx context.Context, pageURL string) PageResult {
	startTime := time.Now()
	result := PageResult{URL: pageURL}
	pageLog := o.log.WithField("url", pageURL)

	if err := o.acquire(ctx); err != nil {
		return o.fail(result, startTime, err)
	}
	defer o.globalSemaphore.Release(1)

	resp, err := o.dl.Download(ctx, models.NewRequest(pageURL))
	if err != nil {
		pageLog.Errorf("Failed to download page: %v", err)
		return o.fail(result, startTime, err)
	}
	if resp.Status != http.StatusOK {
		err := fmt.Errorf("%w: page returned status %d", utils.ErrMediaDownload, resp.Status)
		pageLog.Warn(err)
		return o.fail(result, startTime, err)
	}

	item := o.images.ProcessItem(ctx, &models.Item{HTML: string(resp.Body), BaseURL: resp.URL})
	result.Images = item.Images
	result.Success = true
	result.Duration = time.Since(startTime)
	pageLog.Infof("Page processed: %d images", len(item.Images))
	return result
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if err := o.globalSemaphore.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrSemaphoreTimeout, err)
	}
	return nil
}

func (o *Orchestrator) fail(result PageResult, startTime time.Time, err error) PageResult {
	result.Success = false
	result.Error = err.Error()
	result.Category = utils.CategorizeError(err)
	result.Duration = time.Since(startTime)
	return result
}

// logSummary logs a summary of all page results
func (o *Orchestrator) logSummary(results []PageResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Processing completed in %v", totalDuration)

	totalImages := 0
	successCount := 0
	for _, r := range results {
		status := "SUCCESS"
		if r.Success {
			successCount++
		} else {
			status = "FAILED"
		}
		totalImages += len(r.Images)

		o.log.Infof("  %s: %s - %d images in %v", r.URL, status, len(r.Images), r.Duration)
		if r.Error != "" {
			o.log.Infof("    Error (%s): %s", r.Category, r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d pages (%d success, %d failed), %d images stored",
		len(results), successCount, len(results)-successCount, totalImages)
	o.log.Info("============================================")
}
