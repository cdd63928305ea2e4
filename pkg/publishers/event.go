package publishers

import (
	"time"

	"github.com/samvad-hq/dashboard-publisher/internal/domain"
)

// Event is the envelope mirrored to every sink.
type Event struct {
	Build      domain.Build `json:"build"`
	ReportedAt time.Time    `json:"reported_at"`
}

// NewEvent wraps a build for delivery.
func NewEvent(build domain.Build) Event {
	return Event{
		Build:      build,
		ReportedAt: time.Now().UTC(),
	}
}
