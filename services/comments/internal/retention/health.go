package retention

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe checks one dependency of the event pipeline.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type PipelineHealth struct {
	OutboxBacklog int64             `json:"outboxBacklog"`
	Components    map[string]string `json:"components"`
}

type Health struct {
	Status                string         `json:"status"`
	TotalRows             int64          `json:"totalRows"`
	LastEvictionTimestamp *time.Time     `json:"lastEvictionTimestamp"`
	CumulativeEvicted     int64          `json:"cumulativeEvicted"`
	ErrorCount            int64          `json:"errorCount"`
	Pipeline              PipelineHealth `json:"pipeline"`
	Error                 string         `json:"error,omitempty"`
}

// Health reports unhealthy when the store cannot be counted and degraded
// when any pipeline component is impaired. Writes keep working while
// degraded; only the search index lags.
func (s *Scheduler) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st := s.Stats()
	h := Health{
		Status:                StatusHealthy,
		LastEvictionTimestamp: st.LastCleanup,
		CumulativeEvicted:     st.TotalCleaned,
		ErrorCount:            st.Errors,
		Pipeline:              PipelineHealth{Components: make(map[string]string)},
	}

	if s.outbox != nil {
		n, err := s.outbox(ctx)
		if err != nil {
			h.Pipeline.Components["outbox"] = err.Error()
			h.Status = StatusDegraded
		} else {
			h.Pipeline.OutboxBacklog = n
			h.Pipeline.Components["outbox"] = "ok"
		}
	}
	for _, p := range s.probes {
		if err := p.Check(ctx); err != nil {
			h.Pipeline.Components[p.Name] = err.Error()
			h.Status = StatusDegraded
			continue
		}
		h.Pipeline.Components[p.Name] = "ok"
	}

	total, err := s.store.Count(ctx)
	if err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		return h
	}
	h.TotalRows = total
	return h
}
