package imagepipeline

import "context"

// headlessTarget is an always-visible target used by Fetch.
type headlessTarget struct {
	id    TargetID
	scale float64
	done  chan Result
}

func (t *headlessTarget) ID() TargetID         { return t.id }
func (t *headlessTarget) Visible() bool        { return true }
func (t *headlessTarget) ScaleFactor() float64 { return t.scale }

func (t *headlessTarget) Apply(r Result) {
	select {
	case t.done <- r:
	default:
	}
}

// Fetch runs one load through the full pipeline without a UI and waits for
// the outcome. It is used by the CLI and the diagnostics server. Must not be
// called from the dispatcher.
func (s *Service) Fetch(ctx context.Context, url string, w, h int, scale float64) (Result, error) {
	t := &headlessTarget{
		id:    s.handles.Allocate(),
		scale: scale,
		done:  make(chan Result, 1),
	}
	defer s.dispatch.Post(func() { s.Discard(t) })

	if !s.Request(t, url, w, h, WithForce()) {
		return Result{}, ErrDispatcherStopped
	}

	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
