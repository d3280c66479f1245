package registry

import (
	"context"
	"time"
)

// Evict removes the handle for name and releases its backend resources.
// A borrowed handle is closed when its last borrower releases it. Returns
// false when no handle exists.
func (r *Registry) Evict(name string) bool {
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, name)
	r.evictions++
	closeNow := r.retireLocked(h)
	live := len(r.handles)
	r.mu.Unlock()

	liveHandles.Set(float64(live))
	evictionsTotal.WithLabelValues("manual").Inc()
	r.cfg.Publisher.Publish(Event{Name: EventEvict, Model: name, Fields: map[string]any{"reason": "manual"}})
	if closeNow {
		r.closeModel(h)
	}
	return true
}

// retireLocked marks h evicted and reports whether the caller must close it now.
func (r *Registry) retireLocked(h *Handle) bool {
	h.evicted = true
	if h.refs == 0 && !h.closed {
		h.closed = true
		return true
	}
	r.retired[h.name] = h
	return false
}

// capacityVictimsLocked evicts least-recently-used idle handles until the
// live count fits MaxHandles. keep is never chosen. Borrowed handles are
// skipped, so the count may stay above the limit until they are released.
func (r *Registry) capacityVictimsLocked(keep string) []*Handle {
	if r.cfg.MaxHandles <= 0 {
		return nil
	}
	var victims []*Handle
	for len(r.handles) > r.cfg.MaxHandles {
		var lru *Handle
		for name, h := range r.handles {
			if name == keep || h.refs > 0 {
				continue
			}
			if lru == nil || h.lastUsed.Before(lru.lastUsed) {
				lru = h
			}
		}
		if lru == nil {
			break
		}
		delete(r.handles, lru.name)
		r.evictions++
		if r.retireLocked(lru) {
			victims = append(victims, lru)
		}
	}
	return victims
}

// finishEvictions closes evicted models outside the registry lock.
func (r *Registry) finishEvictions(victims []*Handle, reason string) {
	for _, h := range victims {
		evictionsTotal.WithLabelValues(reason).Inc()
		r.log.Info().Str("model", h.name).Str("reason", reason).Msg("model evicted")
		r.cfg.Publisher.Publish(Event{Name: EventEvict, Model: h.name, Fields: map[string]any{"reason": reason}})
		r.closeModel(h)
	}
}

// ExpireIdle evicts handles that nobody borrows and that have not been used
// for IdleTTL. Returns how many were evicted.
func (r *Registry) ExpireIdle() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	now := r.cfg.Now()
	r.mu.Lock()
	var victims []*Handle
	for name, h := range r.handles {
		if h.refs > 0 || now.Sub(h.lastUsed) < r.cfg.IdleTTL {
			continue
		}
		delete(r.handles, name)
		r.evictions++
		if r.retireLocked(h) {
			victims = append(victims, h)
		}
	}
	live := len(r.handles)
	r.mu.Unlock()
	liveHandles.Set(float64(live))
	r.finishEvictions(victims, "idle")
	return len(victims)
}

// Run expires idle handles periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := r.cfg.IdleTTL / 4
	if interval < minJanitorInterval {
		interval = minJanitorInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.ExpireIdle(); n > 0 {
				r.log.Debug().Int("evicted", n).Msg("idle handles expired")
			}
		}
	}
}
