package domain

// Event is the immutable unit exchanged between peers. EventID doubles as the
// idempotence key on the receiving side; Payload stays generic so foreign
// events round-trip through the ledger untouched.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OriginNode string         `json:"origin_node"`
	CreatedAt  float64        `json:"created_at"`
	Payload    map[string]any `json:"payload"`
}

const (
	EventDocumentAdded    = "DocumentAdded"
	EventArtifactUpserted = "ArtifactUpserted"
)

// Delivery status values.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

type JobSummary struct {
	JobID        string   `json:"job_id"`
	CreatedAt    float64  `json:"created_at"`
	OriginPeerID string   `json:"origin_peer_id"`
	Label        string   `json:"label"`
	Targets      []string `json:"targets"`
}

type Delivery struct {
	TargetPeerID   string   `json:"target_peer_id"`
	TargetURL      string   `json:"target_url"`
	Status         string   `json:"status" enum:"PENDING,SENT,FAILED"`
	Attempts       int      `json:"attempts"`
	LastError      *string  `json:"last_error,omitempty"`
	LastAttemptAt  *float64 `json:"last_attempt_at,omitempty"`
	LastHTTPStatus *int     `json:"last_http_status,omitempty"`
}

// PendingTarget is a delivery row still owed a push (PENDING or FAILED).
type PendingTarget struct {
	TargetPeerID string `json:"target_peer_id"`
	TargetURL    string `json:"target_url"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
}

type InboxEvent struct {
	EventID    string   `json:"event_id"`
	ReceivedAt float64  `json:"received_at"`
	FromPeerID *string  `json:"from_peer_id,omitempty"`
	EventType  string   `json:"event_type"`
	DocID      *string  `json:"doc_id,omitempty"`
	Kind       *string  `json:"kind,omitempty"`
	OriginNode *string  `json:"origin_node,omitempty"`
	CreatedAt  *float64 `json:"created_at,omitempty"`
}

type InboxPush struct {
	PushID      string  `json:"push_id"`
	ReceivedAt  float64 `json:"received_at"`
	FromPeerID  *string `json:"from_peer_id,omitempty"`
	RemoteAddr  *string `json:"remote_addr,omitempty"`
	BytesLen    int     `json:"bytes_len"`
	EventsCount int     `json:"events_count"`
}
