package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/storage"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

const (
	fullDir       = "full" // Subdirectory of the store dir for downloaded files
	defaultImgExt = ".jpg"
)

// ImagesPipeline stores the images of an item under
// <store_dir>/full/<sha1 of URL><ext> and records each file in the media store.
type ImagesPipeline struct {
	storeDir string
	expires  time.Duration // 0 = stored files never expire
	store    storage.MediaStore
	now      func() time.Time
	log      *logrus.Entry
}

// NewImagesPipeline creates the image hooks for a media Pipeline
func NewImagesPipeline(cfg config.MediaConfig, store storage.MediaStore, log *logrus.Entry) (*ImagesPipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: images pipeline needs a media store", utils.ErrNotConfigured)
	}
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("%w: media.store_dir is empty", utils.ErrNotConfigured)
	}
	return &ImagesPipeline{
		storeDir: cfg.StoreDir,
		expires:  time.Duration(cfg.ExpiresDays) * 24 * time.Hour,
		store:    store,
		now:      time.Now,
		log:      log.WithField("component", "images_pipeline"),
	}, nil
}

// NewImages builds the image Pipeline around dl.
func NewImages(cfg config.MediaConfig, store storage.MediaStore, dl Downloader, log *logrus.Entry) (*Pipeline[*models.Item, models.FileInfo], error) {
	hooks, err := NewImagesPipeline(cfg, store, log)
	if err != nil {
		return nil, err
	}
	return New[*models.Item, models.FileInfo](hooks, dl, nil, OptionsFromConfig("ImagesPipeline", cfg), log)
}

// GetMediaRequests returns one request per image URL of the item, followed
// by one per <img src> found in its HTML.
func (ip *ImagesPipeline) GetMediaRequests(item *models.Item) []*models.Request {
	urls := append([]string(nil), item.ImageURLs...)
	if item.HTML != "" {
		urls = append(urls, ip.extractImageURLs(item.HTML, item.BaseURL)...)
	}
	reqs := make([]*models.Request, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, models.NewRequest(u))
	}
	return reqs
}

func (ip *ImagesPipeline) extractImageURLs(html, base string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		ip.log.Warnf("Failed to parse item HTML: %v", err)
		return nil
	}
	baseURL, _ := url.Parse(base)

	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			ip.log.Debugf("Skipping invalid img src %q: %v", src, err)
			return
		}
		if baseURL != nil {
			ref = baseURL.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		out = append(out, ref.String())
	})
	return out
}

// FilePath returns the store-relative path for req. The extension comes
// from the URL, else from the response Content-Type, else .jpg.
func (ip *ImagesPipeline) FilePath(req *models.Request, resp *models.Response) string {
	name := utils.CalculateStringSHA1(req.URL)
	return path.Join(fullDir, name+fileExt(req.URL, resp))
}

func fileExt(rawURL string, resp *models.Response) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := utils.SanitizeExtension(u.Path); ext != "" {
			return ext
		}
	}
	if resp != nil {
		if ct, _, err := mime.ParseMediaType(resp.Headers.Get("Content-Type")); err == nil {
			if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return defaultImgExt
}

// MediaToDownload serves a URL from the store when its file is present,
// unchanged and not expired.
func (ip *ImagesPipeline) MediaToDownload(_ context.Context, req *models.Request, _ *models.Item) (models.FileInfo, bool, error) {
	imgLog := ip.log.WithField("url", req.URL)
	entry, found, err := ip.store.GetMedia(req.URL)
	if err != nil {
		imgLog.Warnf("Media store lookup failed, downloading anyway: %v", err)
		return models.FileInfo{}, false, nil
	}
	if !found {
		return models.FileInfo{}, false, nil
	}
	if ip.expires > 0 && ip.now().Sub(entry.LastModified) > ip.expires {
		imgLog.Debugf("Stored file is older than %v, downloading again", ip.expires)
		return models.FileInfo{}, false, nil
	}
	checksum, err := utils.CalculateFileMD5(filepath.Join(ip.storeDir, filepath.FromSlash(entry.Path)))
	if err != nil {
		imgLog.Debugf("Stored file unreadable (%v), downloading again", err)
		return models.FileInfo{}, false, nil
	}
	if checksum != entry.Checksum {
		imgLog.Debug("Stored file changed on disk, downloading again")
		return models.FileInfo{}, false, nil
	}
	imgLog.Debug("Image is up to date")
	return models.FileInfo{
		URL:      req.URL,
		Path:     entry.Path,
		Checksum: entry.Checksum,
		Status:   models.MediaStatusUpToDate,
	}, true, nil
}

// MediaDownloaded writes a 200 response body to disk and records it.
func (ip *ImagesPipeline) MediaDownloaded(_ context.Context, resp *models.Response, req *models.Request, _ *models.Item) (models.FileInfo, error) {
	if resp.Status != http.StatusOK {
		return models.FileInfo{}, fmt.Errorf("%w: download-error: code %d for %s", utils.ErrMediaDownload, resp.Status, req.URL)
	}
	if len(resp.Body) == 0 {
		return models.FileInfo{}, fmt.Errorf("%w: empty-content for %s", utils.ErrMediaDownload, req.URL)
	}

	status := models.MediaStatusDownloaded
	if resp.HasFlag(models.FlagCached) {
		status = models.MediaStatusCached
	}

	relPath := ip.FilePath(req, resp)
	absPath := filepath.Join(ip.storeDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return models.FileInfo{}, fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, filepath.Dir(absPath), err)
	}
	if err := os.WriteFile(absPath, resp.Body, 0644); err != nil {
		return models.FileInfo{}, fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, absPath, err)
	}

	checksum := utils.CalculateBytesMD5(resp.Body)
	if err := ip.store.PutMedia(req.URL, &models.MediaDBEntry{
		Path:         relPath,
		Checksum:     checksum,
		Size:         int64(len(resp.Body)),
		LastModified: ip.now(),
	}); err != nil {
		return models.FileInfo{}, err
	}

	ip.log.WithFields(logrus.Fields{"url": req.URL, "path": relPath, "status": status}).Debug("Image stored")
	return models.FileInfo{URL: req.URL, Path: relPath, Checksum: checksum, Status: status}, nil
}

// MediaFailed logs the failure and tags it as a media download error.
func (ip *ImagesPipeline) MediaFailed(_ context.Context, err error, req *models.Request) error {
	if !utils.IsQuiet(err) {
		ip.log.WithFields(logrus.Fields{
			"url":      req.URL,
			"category": utils.CategorizeError(err),
		}).Warnf("File (error): Error downloading image from %s: %v", req.URL, err)
	}
	if errors.Is(err, utils.ErrMediaDownload) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrMediaDownload, req.URL, err)
}

// ItemCompleted stores the successful results on the item, in request order.
func (ip *ImagesPipeline) ItemCompleted(results []Outcome[models.FileInfo], item *models.Item) *models.Item {
	item.Images = item.Images[:0]
	for _, r := range results {
		if r.OK {
			item.Images = append(item.Images, r.Value)
		}
	}
	return item
}
