package schemas

import "encoding/json"

// -- Cross-Context Message Schemas --
//
// Messages travel between the initiator (CLI / background process) and the
// page-resident agent over the local control channel. Delivery of PREPARE is
// at-least-once; the agent must tolerate redelivery.

// MessageType discriminates the control-channel envelope.
type MessageType string

const (
	MsgPrepare      MessageType = "PREPARE"
	MsgExtractLinks MessageType = "EXTRACT_LINKS"
	MsgResult       MessageType = "RESULT"
)

// Message is the envelope for every control-channel exchange.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PrepareRequest registers a task for the page-resident agent to pick up and
// triggers an immediate processing attempt.
type PrepareRequest struct {
	TaskID        string         `json:"task_id"`
	PublicationID string         `json:"publication_id,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	APIBaseURL    string         `json:"api_base_url,omitempty"`
}

// Task converts the request into the task record the handoff store keeps.
func (r PrepareRequest) Task() AutomationTask {
	return AutomationTask{
		TaskID:        r.TaskID,
		PublicationID: r.PublicationID,
		Settings:      r.Settings,
		APIBaseURL:    r.APIBaseURL,
	}
}

// PrepareResponse acknowledges a PREPARE.
type PrepareResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LinksResponse answers an EXTRACT_LINKS with the current snapshot.
type LinksResponse struct {
	ShareLink    string `json:"share_link,omitempty"`
	DownloadLink string `json:"download_link,omitempty"`
}

// ResultResponse acknowledges a RESULT push. A false Success must never
// disturb UI state the agent has already shown.
type ResultResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
