package imagepipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability/metrics"
)

// job is one network fetch serving every waiter of a pending download.
type job struct {
	id    string
	url   string
	host  string
	w, h  int
	scale float64
	log   logger.Logger
}

type fetchResult struct {
	img     image.Image
	source  Source
	err     error
	outcome string
	bytes   int
	elapsed time.Duration

	// set when a 304 arrived but the cached bytes were gone
	needsRefetch bool
}

func (s *Service) newJob(p *pendingDownload) *job {
	w, h, scale := p.jobSize()
	id := uuid.NewString()

	host := ""
	if u, err := url.Parse(p.url); err == nil {
		host = u.Hostname()
	}

	return &job{
		id:    id,
		url:   p.url,
		host:  host,
		w:     w,
		h:     h,
		scale: scale,
		log: s.dlLog.With(
			logger.String("request_id", id),
			logger.String("url", p.url),
			logger.Int("limiter_retries", p.retries)),
	}
}

// runDownload executes j on a worker goroutine and posts the result to the
// dispatcher. The limiter slot is released exactly once, even on panic.
func (s *Service) runDownload(j *job) {
	defer s.wg.Done()
	defer s.limiter.Release()

	s.metrics.DownloadStarted()
	defer s.metrics.DownloadFinished()

	start := time.Now()
	res := s.safeFetch(j)
	res.elapsed = time.Since(start)

	j.log.Debug("download finished",
		logger.String("outcome", res.outcome),
		logger.String("source", res.source.String()),
		logger.Int("bytes", res.bytes),
		logger.Duration("elapsed", res.elapsed))

	if !s.dispatch.Post(func() { s.finishDownload(j, res) }) {
		j.log.Debug("dispatcher stopped, dropping download result")
	}
}

func (s *Service) safeFetch(j *job) (res fetchResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fetchError(fmt.Errorf("panic during download: %v", r), errors.CategoryImageFetch, j.url)
			j.log.Error("download panicked", logger.Error(err))
			res = fetchResult{source: SourceFailed, err: err, outcome: metrics.OutcomeNetwork}
		}
	}()
	return s.fetch(s.ctx, j)
}

// fetch performs the conditional GET. A 304 whose cached bytes vanished is
// followed by one unconditional GET. When a conditional request fails for
// any reason the previously cached bytes are served instead.
func (s *Service) fetch(ctx context.Context, j *job) fetchResult {
	var etag, lastModified string
	if s.disk != nil {
		etag, lastModified = s.disk.Validators(j.url)
	}
	conditional := etag != "" || lastModified != ""

	res := s.fetchOnce(ctx, j, etag, lastModified)
	if res.needsRefetch {
		j.log.Debug("cached bytes missing after 304, refetching")
		res = s.fetchOnce(ctx, j, "", "")
		conditional = false
	}

	if res.img == nil && conditional && s.disk != nil {
		if data, ok := s.disk.Read(j.url); ok {
			if img, err := decodeAndScale(data, j.w, j.h, j.scale); err == nil {
				s.disk.Touch(j.url)
				j.log.Warn("revalidation failed, serving cached copy",
					logger.String("outcome", res.outcome),
					logger.Error(res.err))
				res.img = img
				res.source = SourceDisk
				res.err = nil
			}
		}
	}
	return res
}

func (s *Service) fetchOnce(ctx context.Context, j *job, etag, lastModified string) fetchResult {
	header := http.Header{}
	header.Set("Accept", "image/*")
	if s.cfg.UserAgent != "" {
		header.Set("User-Agent", s.cfg.UserAgent)
	}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		header.Set("If-Modified-Since", lastModified)
	}

	resp, err := s.client.Get(ctx, j.url, header)
	if err != nil {
		return failed(metrics.OutcomeNetwork,
			fetchError(err, errors.CategoryNetwork, j.url, "request_id", j.id))
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if etag == "" && lastModified == "" {
			return failed(metrics.OutcomeHTTPError,
				fetchError(ErrUnexpectedStatus, errors.CategoryImageFetch, j.url,
					"status", resp.StatusCode, "reason", "304 to unconditional request"))
		}
		return s.revalidated(j)

	case http.StatusOK:
		return s.fresh(j, resp)

	default:
		return failed(metrics.OutcomeHTTPError,
			fetchError(ErrUnexpectedStatus, errors.CategoryImageFetch, j.url,
				"status", resp.StatusCode, "request_id", j.id))
	}
}

// revalidated serves the cached bytes after a 304.
func (s *Service) revalidated(j *job) fetchResult {
	s.disk.Refresh(j.url)

	data, ok := s.disk.Read(j.url)
	if !ok {
		return fetchResult{needsRefetch: true, outcome: metrics.OutcomeRevalidated}
	}

	img, err := decodeAndScale(data, j.w, j.h, j.scale)
	if err != nil {
		return failed(metrics.OutcomeDecode, err)
	}
	return fetchResult{img: img, source: SourceRevalidated, outcome: metrics.OutcomeRevalidated}
}

// fresh handles a 200: enforce the size cap, persist, decode.
func (s *Service) fresh(j *job, resp *http.Response) fetchResult {
	limit := s.cfg.bodyLimit(j.host)

	if resp.ContentLength > limit {
		return failed(metrics.OutcomeTooLarge,
			fetchError(ErrBodyTooLarge, errors.CategoryLimit, j.url,
				"content_length", resp.ContentLength, "limit", limit))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return failed(metrics.OutcomeNetwork,
			fetchError(err, errors.CategoryNetwork, j.url, "request_id", j.id))
	}
	if int64(len(data)) > limit {
		return failed(metrics.OutcomeTooLarge,
			fetchError(ErrBodyTooLarge, errors.CategoryLimit, j.url, "limit", limit))
	}
	if len(data) == 0 {
		return failed(metrics.OutcomeEmpty,
			fetchError(ErrEmptyBody, errors.CategoryImageFetch, j.url))
	}

	// bytes are kept even if they fail to decode below
	if s.disk != nil {
		if err := s.disk.Write(j.url, data,
			resp.Header.Get("ETag"),
			resp.Header.Get("Last-Modified"),
			resp.Header.Get("Content-Type")); err != nil {
			j.log.Warn("disk cache write failed", logger.Error(err))
		}
	}

	img, err := decodeAndScale(data, j.w, j.h, j.scale)
	if err != nil {
		res := failed(metrics.OutcomeDecode, err)
		res.bytes = len(data)
		return res
	}
	return fetchResult{img: img, source: SourceNetwork, outcome: metrics.OutcomeSuccess, bytes: len(data)}
}

func failed(outcome string, err error) fetchResult {
	return fetchResult{source: SourceFailed, err: err, outcome: outcome}
}
