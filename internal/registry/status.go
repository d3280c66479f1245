package registry

import (
	"sort"

	"relayd/pkg/types"
)

// Status builds the registry part of the /status response. Sessions is left
// for the caller to fill.
func (r *Registry) Status() types.StatusResponse {
	now := r.cfg.Now()
	r.mu.RLock()
	resp := types.StatusResponse{
		Backend:        r.be.Name(),
		MaxHandles:     r.cfg.MaxHandles,
		LoadsTotal:     r.loads,
		EvictionsTotal: r.evictions,
		UptimeSeconds:  int64(now.Sub(r.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	resp.Handles = make([]types.HandleStatus, 0, len(r.handles))
	for _, h := range r.handles {
		resp.Handles = append(resp.Handles, types.HandleStatus{
			Model:        h.name,
			CreatedUnix:  h.created.Unix(),
			LastUsedUnix: h.lastUsed.Unix(),
			InUse:        h.refs,
		})
	}
	r.mu.RUnlock()
	sort.Slice(resp.Handles, func(i, j int) bool { return resp.Handles[i].Model < resp.Handles[j].Model })
	resp.Pulls = r.pulls.Tasks()
	return resp
}

// Ready reports whether the registry accepts acquisitions.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}
