package domain

import "time"

// =============================================================================
// App Observability
// =============================================================================

// AppLog is an append-only log line attached to an app.
type AppLog struct {
	ID        int64     `json:"id"`
	AppID     string    `json:"app_id"`
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// AppMetric is an append-only numeric sample attached to an app.
type AppMetric struct {
	ID        int64     `json:"id"`
	AppID     string    `json:"app_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
