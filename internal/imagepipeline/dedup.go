package imagepipeline

// waiter is one target waiting on a download, with the size it asked for.
// A background waiter has no target; it only keeps memory current after a
// stale disk entry was served.
type waiter struct {
	target     Target
	id         TargetID
	key        string
	w, h       int
	scale      float64
	background bool
}

// pendingDownload tracks the single in-flight fetch for a URL.
type pendingDownload struct {
	url     string
	waiters []waiter
	started bool
	retries int // limiter rejections before the job started, logged with the job
}

// dedup maps raw URLs to their pending download. Dispatcher-owned.
type dedup struct {
	pending map[string]*pendingDownload
}

func newDedup() *dedup {
	return &dedup{pending: make(map[string]*pendingDownload)}
}

// join registers w for url. It reports true when a new pending download was
// created and a fetch has to be started.
func (d *dedup) join(url string, w waiter) (*pendingDownload, bool) {
	if p, ok := d.pending[url]; ok {
		p.waiters = append(p.waiters, w)
		return p, false
	}
	p := &pendingDownload{url: url, waiters: []waiter{w}}
	d.pending[url] = p
	return p, true
}

// complete removes and returns the pending download for url.
func (d *dedup) complete(url string) *pendingDownload {
	p, ok := d.pending[url]
	if !ok {
		return nil
	}
	delete(d.pending, url)
	return p
}

func (d *dedup) has(url string) bool {
	_, ok := d.pending[url]
	return ok
}

func (d *dedup) isCurrent(p *pendingDownload) bool {
	return d.pending[p.url] == p
}

func (d *dedup) len() int {
	return len(d.pending)
}

// jobSize returns the largest requested size and device scale among the
// current waiters.
func (p *pendingDownload) jobSize() (w, h int, scale float64) {
	scale = 1
	for _, wt := range p.waiters {
		if wt.w*wt.h > w*h {
			w, h = wt.w, wt.h
		}
		if wt.scale > scale {
			scale = wt.scale
		}
	}
	return w, h, scale
}
