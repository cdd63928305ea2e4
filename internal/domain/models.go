package domain

import "time"

// Build is a finished (or in-flight) CI build as reported by the host runtime.
type Build struct {
	ID          string        `json:"id"`
	JobName     string        `json:"jobName"`
	BuildNumber string        `json:"number"`
	BuildURL    string        `json:"buildUrl"`
	InstanceURL string        `json:"instanceUrl,omitempty"`
	Status      string        `json:"buildStatus"`
	StartedAt   time.Time     `json:"startTime"`
	Duration    time.Duration `json:"duration"`
	Commits     []string      `json:"commits,omitempty"`
}
