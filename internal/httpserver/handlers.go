package httpserver

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/feedimages/internal/diskcache"
	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/imagepipeline"
	"github.com/tphakala/feedimages/internal/logger"
)

const maxPreviewSide = 4096

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Pipeline imagepipeline.Stats `json:"pipeline"`
	Disk     *diskcache.Stats    `json:"disk,omitempty"`
}

// ViewedResponse is the body of the /viewed routes.
type ViewedResponse struct {
	URL    string `json:"url"`
	Viewed bool   `json:"viewed"`
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"instance_id":    s.build.GetInstanceID(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) stats(c echo.Context) error {
	ps, err := s.pipeline.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	resp := StatsResponse{Pipeline: ps}

	if s.disk != nil {
		ds, err := s.disk.Stats()
		if err != nil {
			s.log.Warn("disk stats failed", logger.Error(err))
		} else {
			resp.Disk = &ds
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) recent(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	recs, err := s.disk.Recent(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, recs)
}

// preview loads url through the pipeline at w×h and returns it as PNG. The
// X-Image-Source header reports where the image came from.
func (s *Server) preview(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	w, errW := strconv.Atoi(c.QueryParam("w"))
	h, errH := strconv.Atoi(c.QueryParam("h"))
	if errW != nil || errH != nil || w <= 0 || h <= 0 || w > maxPreviewSide || h > maxPreviewSide {
		return echo.NewHTTPError(http.StatusBadRequest, "w and h must be positive integers up to 4096")
	}
	scale := 1.0
	if v := c.QueryParam("scale"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 1 || f > 4 {
			return echo.NewHTTPError(http.StatusBadRequest, "scale must be between 1 and 4")
		}
		scale = f
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), previewTimeout)
	defer cancel()

	res, err := s.pipeline.Fetch(ctx, url, w, h, scale)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	c.Response().Header().Set("X-Image-Source", res.Source.String())
	if res.Placeholder {
		msg := "image unavailable"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return echo.NewHTTPError(http.StatusBadGateway, msg)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Image); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError,
			errors.New(err).
				Component("httpserver").
				Category(errors.CategoryImageDecode).
				Context("operation", "encode_preview").
				Build().Error())
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) isViewed(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	return c.JSON(http.StatusOK, ViewedResponse{URL: url, Viewed: s.pipeline.IsViewed(url)})
}

func (s *Server) markViewed(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if err := s.pipeline.MarkViewed(url); err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, ViewedResponse{URL: url, Viewed: true})
}

func (s *Server) clearImages(c echo.Context) error {
	if err := s.pipeline.ClearImages(); err != nil {
		return s.storeError(err)
	}
	s.log.Info("disk image cache cleared via diagnostics server")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) storeError(err error) error {
	if errors.Is(err, imagepipeline.ErrNoDiskCache) {
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
