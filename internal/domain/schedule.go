package domain

import "time"

// Schedule submits a templated task on a cron cadence. Each firing
// clones the template into a fresh Task with its own ID and lifecycle.
type Schedule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	// Template holds the spec fields of the task to submit; lifecycle
	// fields are ignored.
	Template  Task      `json:"template"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}
