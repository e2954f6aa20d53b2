package imagepipeline

import (
	"math"

	"github.com/tphakala/feedimages/internal/logger"
)

const (
	heroMaxRetries = 3
	heroGrowth     = 1.25
)

// HeroRequestRecord tracks the last size requested for a hero image so that
// layout growth can trigger a bounded number of larger re-fetches.
type HeroRequestRecord struct {
	URL        string
	LastW      int
	LastH      int
	Multiplier float64
	Retries    int
}

// LoadHero loads a hero image at base×multiplier and starts tracking it.
// Dispatcher only.
func (s *Service) LoadHero(t Target, url string, baseW, baseH int, multiplier float64) {
	if t == nil {
		return
	}
	if multiplier < 1 || math.IsNaN(multiplier) {
		multiplier = 1
	}
	w := int(math.Round(float64(baseW) * multiplier))
	h := int(math.Round(float64(baseH) * multiplier))

	s.heroes[t.ID()] = &HeroRequestRecord{
		URL:        url,
		LastW:      w,
		LastH:      h,
		Multiplier: multiplier,
	}
	s.LoadImage(t, url, w, h)
}

// HeroLayoutChanged re-fetches a hero after its base width grew by more than
// 25% over the last request, at most three times per hero. It reports
// whether a re-fetch was issued. Dispatcher only.
func (s *Service) HeroLayoutChanged(t Target, newBaseW int) bool {
	if t == nil {
		return false
	}
	rec, ok := s.heroes[t.ID()]
	if !ok || rec.LastW <= 0 {
		return false
	}
	if rec.Retries >= heroMaxRetries {
		return false
	}

	desiredW := int(math.Round(float64(newBaseW) * rec.Multiplier))
	if float64(desiredW) <= float64(rec.LastW)*heroGrowth {
		return false
	}
	desiredH := int(math.Round(float64(rec.LastH) * float64(desiredW) / float64(rec.LastW)))

	rec.Retries++
	rec.LastW, rec.LastH = desiredW, desiredH
	s.metrics.RecordHeroRefetch()
	s.log.Debug("hero grew, refetching",
		logger.String("url", rec.URL),
		logger.Int("width", desiredW),
		logger.Int("retry", rec.Retries))

	s.LoadImage(t, rec.URL, desiredW, desiredH, WithForce())
	return true
}

// HeroRecord returns a copy of the hero record for id. Dispatcher only.
func (s *Service) HeroRecord(id TargetID) (HeroRequestRecord, bool) {
	rec, ok := s.heroes[id]
	if !ok {
		return HeroRequestRecord{}, false
	}
	return *rec, true
}
