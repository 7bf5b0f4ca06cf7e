package models

import "time"

// BudgetStatus shows remote spend in the current window against the daily cap.
type BudgetStatus struct {
	Spent       float64   `json:"spent"`
	Cap         float64   `json:"cap"`
	Remaining   float64   `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetsAt    time.Time `json:"resets_at"`
}
