package imagepipeline

// deferredRequest is a load postponed until its target becomes visible.
type deferredRequest struct {
	target Target
	url    string
	w, h   int
}

// deferral keeps deferred requests in arrival order. Dispatcher-owned.
type deferral struct {
	queue []*deferredRequest
	index map[TargetID]*deferredRequest
}

func newDeferral() *deferral {
	return &deferral{index: make(map[TargetID]*deferredRequest)}
}

// add records req; a newer request for the same target replaces the older
// one in place.
func (d *deferral) add(req *deferredRequest) {
	id := req.target.ID()
	if old, ok := d.index[id]; ok {
		*old = *req
		return
	}
	d.index[id] = req
	d.queue = append(d.queue, req)
}

// remove drops the request for id, if any.
func (d *deferral) remove(id TargetID) bool {
	req, ok := d.index[id]
	if !ok {
		return false
	}
	delete(d.index, id)
	for i, r := range d.queue {
		if r == req {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	return true
}

// takeVisible removes and returns up to limit requests whose targets are
// visible, in arrival order. Requests for which stale reports true are
// dropped along the way.
func (d *deferral) takeVisible(limit int, stale func(TargetID) bool) []*deferredRequest {
	var (
		out  []*deferredRequest
		keep = d.queue[:0]
	)
	for _, req := range d.queue {
		id := req.target.ID()
		switch {
		case stale(id):
			delete(d.index, id)
		case len(out) < limit && req.target.Visible():
			delete(d.index, id)
			out = append(out, req)
		default:
			keep = append(keep, req)
		}
	}
	for i := len(keep); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = keep
	return out
}

func (d *deferral) len() int {
	return len(d.queue)
}
