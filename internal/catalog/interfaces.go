package catalog

import (
	"context"
	"time"
)

// Store persists sources, resources and pending subscriptions.
type Store interface {
	AddSource(ctx context.Context, url string) error
	SourcesDueForCrawl(ctx context.Context, interval time.Duration) ([]Source, error)
	MarkSourceDeleted(ctx context.Context, url string) error
	RecordSourceOutcome(ctx context.Context, url string, success bool) error
	RecordSourceStatusCode(ctx context.Context, url string, code int) error
	SaveResource(ctx context.Context, item Item, sourceURL string) (Placement, error)
	PromotePendingSubscriptions(ctx context.Context) (PromotionStats, error)
	ListResources(ctx context.Context) ([]Resource, error)
	UpdateVerification(ctx context.Context, v Verification) error
	CountRows(ctx context.Context) (RowCounts, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// AccessChecker performs the lightweight existence check used before a
// subscription link is admitted into the catalog.
type AccessChecker interface {
	Accessible(ctx context.Context, url string) bool
}

// ProbeResult captures one liveness probe. Failures are data, never errors.
type ProbeResult struct {
	Success       bool          `json:"success"`
	StatusCode    int           `json:"status_code,omitempty"`
	ContentLength int           `json:"content_length,omitempty"`
	ContentType   string        `json:"content_type,omitempty"`
	Elapsed       time.Duration `json:"-"`
	Error         string        `json:"error,omitempty"`
}

// Prober runs a bounded liveness probe for one resource.
type Prober interface {
	Probe(ctx context.Context, res Resource) ProbeResult
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
