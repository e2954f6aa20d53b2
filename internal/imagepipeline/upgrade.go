package imagepipeline

import (
	"context"
	"math"

	"golang.org/x/time/rate"

	"github.com/tphakala/feedimages/internal/imagecache"
	"github.com/tphakala/feedimages/internal/logger"
)

// upgradeSize doubles w×h, clamping the longer edge to maxSide while keeping
// the aspect ratio. It reports false when no larger size is possible.
func upgradeSize(w, h, maxSide int) (int, int, bool) {
	longest := max(w, h)
	if longest <= 0 || longest >= maxSide {
		return w, h, false
	}
	factor := math.Min(2, float64(maxSide)/float64(longest))
	nw := int(math.Round(float64(w) * factor))
	nh := int(math.Round(float64(h) * factor))
	if nw <= w && nh <= h {
		return w, h, false
	}
	return nw, nh, true
}

// UpgradePass re-requests already displayed targets at twice their last
// requested size, in batches of UpgradeBatch separated by UpgradePause.
// Targets already cached at the larger size are skipped. It returns the
// number of loads issued. Must not be called from the dispatcher.
func (s *Service) UpgradePass(ctx context.Context, targets []Target) (int, error) {
	pace := rate.NewLimiter(rate.Every(s.cfg.UpgradePause), 1)
	issued := 0

	for start := 0; start < len(targets); start += s.cfg.UpgradeBatch {
		if err := pace.Wait(ctx); err != nil {
			return issued, err
		}
		if s.ctx.Err() != nil {
			return issued, ErrClosed
		}

		batch := targets[start:min(start+s.cfg.UpgradeBatch, len(targets))]
		var n int
		if err := s.call(ctx, func() { n = s.upgradeBatch(batch) }); err != nil {
			return issued, err
		}
		issued += n
	}

	if issued > 0 {
		s.log.Debug("upgrade pass finished",
			logger.Int("targets", len(targets)),
			logger.Int("issued", issued))
	}
	return issued, nil
}

// upgradeBatch runs on the dispatcher.
func (s *Service) upgradeBatch(batch []Target) int {
	n := 0
	for _, t := range batch {
		if t == nil {
			continue
		}
		id := t.ID()
		if !s.handles.Valid(id) {
			continue
		}
		rec, ok := s.lastRequest[id]
		if !ok {
			continue
		}
		nw, nh, ok := upgradeSize(rec.w, rec.h, s.cfg.UpgradeMaxSize)
		if !ok {
			continue
		}
		if s.memory.Contains(imagecache.MakeKey(rec.url, nw, nh), nw, nh) {
			continue
		}

		s.metrics.RecordUpgrade()
		s.LoadImage(t, rec.url, nw, nh)
		n++
	}
	return n
}
