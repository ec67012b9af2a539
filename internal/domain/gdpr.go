package domain

import (
	"encoding/json"
	"time"
)

type GDPRRequestType string

const (
	GDPRExport GDPRRequestType = "EXPORT"
	GDPRDelete GDPRRequestType = "DELETE"
)

type GDPRRequestStatus string

const (
	GDPRPending   GDPRRequestStatus = "PENDING"
	GDPRCompleted GDPRRequestStatus = "COMPLETED"
	GDPRFailed    GDPRRequestStatus = "FAILED"
)

// GDPRRequest is a data export or deletion request for the current user.
type GDPRRequest struct {
	ID        string            `json:"id"`
	Type      GDPRRequestType   `json:"type"`
	Status    GDPRRequestStatus `json:"status"`
	Details   json.RawMessage   `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// LatestGDPR returns the most recently created request of type t.
func LatestGDPR(reqs []GDPRRequest, t GDPRRequestType) (GDPRRequest, bool) {
	var (
		out   GDPRRequest
		found bool
	)
	for _, r := range reqs {
		if r.Type != t {
			continue
		}
		if !found || r.CreatedAt.After(out.CreatedAt) {
			out, found = r, true
		}
	}
	return out, found
}
