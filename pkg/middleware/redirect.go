package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// headers dropped when a redirect leaves the original host
var crossHostHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// Redirect turns 3xx responses with a Location header into a new Request.
// Statuses the request opted to handle through handle_httpstatus_all or
// handle_httpstatus_list pass through unchanged.
type Redirect struct {
	maxTimes int
	log      *logrus.Entry
}

func NewRedirect(maxTimes int, log *logrus.Entry) (*Redirect, error) {
	if maxTimes <= 0 {
		return nil, fmt.Errorf("%w: redirect_max_times is %d", utils.ErrNotConfigured, maxTimes)
	}
	return &Redirect{maxTimes: maxTimes, log: log.WithField("component", "redirect")}, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func handlesStatus(meta *models.Meta, status int) bool {
	if all, _ := meta.GetBool(models.MetaHandleHTTPStatusAll); all {
		return true
	}
	return slices.Contains(meta.GetIntSlice(models.MetaHandleHTTPStatusList), status)
}

func (r *Redirect) ProcessResponse(_ context.Context, req *models.Request, resp *models.Response) (Result, error) {
	meta := req.EnsureMeta()
	location := resp.Headers.Get("Location")
	if !isRedirect(resp.Status) || location == "" || handlesStatus(meta, resp.Status) {
		return Result{Response: resp}, nil
	}

	base, err := url.Parse(req.URL)
	if err != nil {
		return Result{Response: resp}, nil
	}
	target, err := base.Parse(location)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		r.log.WithField("url", req.URL).Debugf("Ignoring unusable Location %q", location)
		return Result{Response: resp}, nil
	}

	times := meta.GetInt(models.MetaRedirectTimes) + 1
	if times > r.maxTimes {
		r.log.WithField("url", req.URL).Debugf("Discarding %s: max redirections reached", req.URL)
		return Result{}, fmt.Errorf("%w: max redirections (%d) reached for %s", utils.ErrIgnoreRequest, r.maxTimes, req.URL)
	}

	next := req.Copy()
	next.URL = target.String()
	next.Meta.Set(models.MetaRedirectTimes, times)
	urls, _ := meta.Get(models.MetaRedirectURLs)
	prev, _ := urls.([]string)
	next.Meta.Set(models.MetaRedirectURLs, append(slices.Clone(prev), req.URL))

	method := req.GetMethod()
	switch {
	case (resp.Status == http.StatusFound || resp.Status == http.StatusSeeOther) && method != http.MethodHead,
		resp.Status == http.StatusMovedPermanently && method == http.MethodPost:
		next.Method = http.MethodGet
		next.Body = nil
		next.Headers.Del("Content-Type")
		next.Headers.Del("Content-Length")
	}
	if !strings.EqualFold(base.Hostname(), target.Hostname()) {
		for _, h := range crossHostHeaders {
			next.Headers.Del(h)
		}
	}

	r.log.WithFields(logrus.Fields{"from": req.URL, "to": next.URL, "status": resp.Status}).Debug("Redirecting")
	return Result{Request: next}, nil
}
