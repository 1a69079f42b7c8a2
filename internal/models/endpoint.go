package models

import "time"

type Endpoint struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Owner        Owner     `json:"owner"`
	CreatedAt    time.Time `json:"created_at"`
	RequestCount int64     `json:"request_count"`
	URL          string    `json:"url,omitempty"`
}
