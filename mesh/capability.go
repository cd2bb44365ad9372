package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
)

type storedSummary struct {
	summary    CapabilitySummary
	receivedAt time.Time
	timestamp  int64
}

// FederatedCapabilities holds the most recent capability summary per remote
// coordinator. Merge rule is most-recent-timestamp-wins; summaries older
// than CapabilityStaleFactor broadcast intervals are dropped on read. Queue
// pressure gossiped separately via queue_summary feeds the ranking as a
// tiebreak.
type FederatedCapabilities struct {
	lock       sync.RWMutex
	summaries  map[string]storedSummary
	queueDepth map[string]int
}

// NewFederatedCapabilities creates an empty map.
func NewFederatedCapabilities() *FederatedCapabilities {
	return &FederatedCapabilities{
		summaries:  make(map[string]storedSummary),
		queueDepth: make(map[string]int),
	}
}

// Update stores a summary if it is newer than the one already held for the
// same coordinator.
func (f *FederatedCapabilities) Update(summary CapabilitySummary, timestamp int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	prior, ok := f.summaries[summary.CoordinatorID]
	if ok && prior.timestamp >= timestamp {
		return
	}
	f.summaries[summary.CoordinatorID] = storedSummary{
		summary:    summary,
		receivedAt: time.Now(),
		timestamp:  timestamp,
	}
}

// Get returns the stored summary for one coordinator.
func (f *FederatedCapabilities) Get(coordinatorID string) (CapabilitySummary, bool) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	s, ok := f.summaries[coordinatorID]
	if !ok || f.stale(s) {
		return CapabilitySummary{}, false
	}
	return s.summary, true
}

// UpdateQueueDepth records the latest queue_summary depth for a coordinator.
func (f *FederatedCapabilities) UpdateQueueDepth(coordinatorID string, depth int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.queueDepth[coordinatorID] = depth
}

// QueueDepth returns the last gossiped queue depth for a coordinator, zero
// when none was heard.
func (f *FederatedCapabilities) QueueDepth(coordinatorID string) int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.queueDepth[coordinatorID]
}

// CoordinatorCapability pairs a coordinator id with its capability for one
// model, used to rank federation targets.
type CoordinatorCapability struct {
	CoordinatorID string
	Capability    ModelCapability
	QueueDepth    int
}

// Lookup returns coordinators serving the given model with at least one
// agent, ranked by total parameter capacity descending, then average load
// ascending.
func (f *FederatedCapabilities) Lookup(model string) []CoordinatorCapability {
	f.lock.RLock()
	defer f.lock.RUnlock()
	var out []CoordinatorCapability
	for id, s := range f.summaries {
		if f.stale(s) {
			continue
		}
		mc, ok := s.summary.Models[model]
		if !ok || mc.AgentCount == 0 {
			continue
		}
		out = append(out, CoordinatorCapability{
			CoordinatorID: id,
			Capability:    mc,
			QueueDepth:    f.queueDepth[id],
		})
	}
	rankCapabilities(out)
	return out
}

// rankCapabilities orders federation targets: total capacity descending,
// then average load, then gossiped queue depth, then id for determinism.
func rankCapabilities(out []CoordinatorCapability) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Capability, out[j].Capability
		if a.TotalParamCapacity != b.TotalParamCapacity {
			return a.TotalParamCapacity > b.TotalParamCapacity
		}
		if a.AvgLoad != b.AvgLoad {
			return a.AvgLoad < b.AvgLoad
		}
		if out[i].QueueDepth != out[j].QueueDepth {
			return out[i].QueueDepth < out[j].QueueDepth
		}
		return out[i].CoordinatorID < out[j].CoordinatorID
	})
}

// LookupBySize returns coordinators holding at least one agent whose model
// meets the minimum parameter size, ranked like Lookup. The per-coordinator
// capability reported is its largest qualifying model.
func (f *FederatedCapabilities) LookupBySize(minParamSize float64) []CoordinatorCapability {
	f.lock.RLock()
	defer f.lock.RUnlock()
	var out []CoordinatorCapability
	for id, s := range f.summaries {
		if f.stale(s) {
			continue
		}
		var best ModelCapability
		found := false
		for _, mc := range s.summary.Models {
			if mc.AgentCount == 0 || mc.MaxParamSize < minParamSize {
				continue
			}
			if !found || mc.TotalParamCapacity > best.TotalParamCapacity {
				best = mc
				found = true
			}
		}
		if found {
			out = append(out, CoordinatorCapability{
				CoordinatorID: id,
				Capability:    best,
				QueueDepth:    f.queueDepth[id],
			})
		}
	}
	rankCapabilities(out)
	return out
}

// All returns the current non-stale summaries keyed by coordinator.
func (f *FederatedCapabilities) All() map[string]CapabilitySummary {
	f.lock.RLock()
	defer f.lock.RUnlock()
	out := make(map[string]CapabilitySummary, len(f.summaries))
	for id, s := range f.summaries {
		if f.stale(s) {
			continue
		}
		out[id] = s.summary
	}
	return out
}

func (f *FederatedCapabilities) stale(s storedSummary) bool {
	cfg := params.EdgeCoderConfig()
	maxAge := time.Duration(cfg.CapabilityStaleFactor) * cfg.CapabilityInterval
	return time.Since(s.receivedAt) > maxAge
}
