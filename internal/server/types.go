package server

import (
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/database"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string     `json:"status"` // "healthy", "degraded", "unhealthy"
	Database     string     `json:"database"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// DeliveryResponse is one delivery record as JSON.
type DeliveryResponse struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	SentAt     time.Time `json:"sent_at"`
	ItemCount  int       `json:"item_count"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`
	Recipients []string  `json:"recipients"`
	EditorNote *string   `json:"editor_note,omitempty"`
	Title      string    `json:"title"`
	Degraded   bool      `json:"degraded"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	TotalDeliveries      int               `json:"total_deliveries"`
	SuccessfulDeliveries int               `json:"successful_deliveries"`
	FailedDeliveries     int               `json:"failed_deliveries"`
	SuccessRate          float64           `json:"success_rate"`
	TotalItems           int               `json:"total_items"`
	ItemsLastWeek        int               `json:"items_last_week"`
	DaysWithDeliveries   int               `json:"days_with_deliveries"`
	LastDelivery         *DeliveryResponse `json:"last_delivery,omitempty"`
}

// RunResponse is the body of POST /api/run.
type RunResponse struct {
	RunID     string `json:"run_id"`
	Success   bool   `json:"success"`
	ItemCount int    `json:"item_count"`
	Degraded  bool   `json:"degraded"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toDelivery(rec database.DeliveryRecord) DeliveryResponse {
	recipients := rec.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return DeliveryResponse{
		ID:         rec.ID,
		RunID:      rec.RunID,
		SentAt:     rec.SentAt.UTC(),
		ItemCount:  rec.ItemCount,
		Success:    rec.Success,
		Error:      rec.ErrorDetail,
		Recipients: recipients,
		EditorNote: rec.EditorNote,
		Title:      rec.Title,
		Degraded:   rec.Degraded,
	}
}

func toStats(s *database.Stats) StatsResponse {
	out := StatsResponse{
		TotalDeliveries:      s.TotalDeliveries,
		SuccessfulDeliveries: s.SuccessfulDeliveries,
		FailedDeliveries:     s.FailedDeliveries,
		SuccessRate:          s.SuccessRate,
		TotalItems:           s.TotalItems,
		ItemsLastWeek:        s.ItemsLastWeek,
		DaysWithDeliveries:   s.DaysWithDeliveries,
	}
	if s.LastDelivery != nil {
		d := toDelivery(*s.LastDelivery)
		out.LastDelivery = &d
	}
	return out
}
