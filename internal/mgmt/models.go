package mgmt

import (
	"github.com/p-blackswan/beluga-cat/internal/health"
	"github.com/p-blackswan/beluga-cat/internal/session"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status string                   `json:"status"`
	Checks map[string]health.Status `json:"checks"`
}

// SessionListResponse is the GET /api/v1/sessions body.
type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

// EndResponse reports what ending a session did.
type EndResponse struct {
	ChannelID string   `json:"channel_id"`
	Reason    string   `json:"reason"`
	Removed   bool     `json:"removed"`
	Skipped   bool     `json:"skipped"`
	Notified  bool     `json:"notified"`
	Deleted   bool     `json:"deleted"`
	Renamed   bool     `json:"renamed"`
	Archived  bool     `json:"archived"`
	Errors    []string `json:"errors,omitempty"`
}

func newEndResponse(out session.EndOutcome) EndResponse {
	resp := EndResponse{
		ChannelID: out.ChannelID,
		Reason:    out.Reason,
		Removed:   out.Removed,
		Skipped:   out.Skipped,
		Notified:  out.Notified,
		Deleted:   out.Deleted,
		Renamed:   out.Renamed,
		Archived:  out.Archived,
	}
	for _, err := range out.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}
