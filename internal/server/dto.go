package server

import (
	"federator/internal/domain"
	"federator/internal/engine"
)

type CreateJobRequest struct {
	Text            string   `json:"text"`
	Source          string   `json:"source"`
	Label           string   `json:"label,omitempty"`
	Targets         []string `json:"targets"`
	IncludeDocument *bool    `json:"include_document,omitempty"`
	IncludeSummary  bool     `json:"include_summary,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

type JobListResponse struct {
	Items []domain.JobSummary `json:"items"`
}

type JobEventsResponse struct {
	JobID  string         `json:"job_id"`
	Events []domain.Event `json:"events"`
}

type DeliveryListResponse struct {
	JobID string            `json:"job_id"`
	Items []domain.Delivery `json:"items"`
}

type SendOutcomeResponse struct {
	TargetPeerID string `json:"target_peer_id"`
	OK           bool   `json:"ok"`
	Attempts     int    `json:"attempts"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	Message      string `json:"message,omitempty"`
}

type SendResponse struct {
	JobID    string                `json:"job_id"`
	Outcomes []SendOutcomeResponse `json:"outcomes"`
}

func sendResponse(jobID string, outcomes []engine.SendOutcome) SendResponse {
	resp := SendResponse{JobID: jobID, Outcomes: []SendOutcomeResponse{}}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, SendOutcomeResponse{
			TargetPeerID: o.TargetPeerID,
			OK:           o.Result.OK,
			Attempts:     o.Attempts,
			HTTPStatus:   o.Result.HTTPStatus,
			Message:      o.Result.Message,
		})
	}
	return resp
}

type InboxPushListResponse struct {
	Items []domain.InboxPush `json:"items"`
}

type InboxEventListResponse struct {
	Items []domain.InboxEvent `json:"items"`
}

// RawBodyResponse carries a stored JSON document verbatim.
type RawBodyResponse struct {
	ID   string `json:"id"`
	JSON string `json:"json"`
}

type PeerResponse struct {
	PeerID    string `json:"peer_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	TLSVerify bool   `json:"tls_verify"`
	IsSelf    bool   `json:"is_self"`
}

type PeerListResponse struct {
	Self  string         `json:"self"`
	Items []PeerResponse `json:"items"`
}
