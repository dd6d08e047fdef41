package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// DefaultSyncWindow is the watermark distance used when an incremental
// sync request carries no explicit since.
const DefaultSyncWindow = 24 * time.Hour

// SyncRequest asks the indexer to re-index the store.
type SyncRequest struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	SyncType  SyncType   `json:"syncType"`
	Since     *time.Time `json:"since,omitempty"`
}

func NewSyncRequest(t SyncType, since *time.Time) SyncRequest {
	return SyncRequest{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    Source,
		SyncType:  t,
		Since:     since,
	}
}

// Watermark resolves the incremental lower bound relative to now.
func (r SyncRequest) Watermark(now time.Time) time.Time {
	if r.Since != nil {
		return *r.Since
	}
	return now.Add(-DefaultSyncWindow)
}

func DecodeSyncRequest(data []byte) (SyncRequest, error) {
	var r SyncRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return SyncRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch r.SyncType {
	case SyncFull, SyncIncremental:
	default:
		return SyncRequest{}, fmt.Errorf("%w: unknown syncType %q", ErrMalformed, r.SyncType)
	}
	return r, nil
}

func EncodeSyncRequest(r SyncRequest) ([]byte, error) {
	return json.Marshal(r)
}
