package schemas

// -- Core Automation Schemas --

// AutomationTask describes one pending automation run. It is created by an
// initiator before the target page is opened and consumed by the page-resident
// agent. Consumption is at-least-once: a reload before cleanup redelivers.
type AutomationTask struct {
	TaskID        string         `json:"task_id"`
	PublicationID string         `json:"publication_id,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	APIBaseURL    string         `json:"api_base_url,omitempty"`
}

// AssetDescriptor points at one media asset referenced by a prompt. It lives
// only for the duration of a single load-assets pass and is never persisted.
type AssetDescriptor struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// PromptPayload is the backend's answer to a generate request.
type PromptPayload struct {
	Prompt string            `json:"prompt"`
	Assets []AssetDescriptor `json:"assets"`
}

// LinkSnapshot captures the share/download links visible on the page at one
// instant. Two snapshots with equal fields carry no new information.
type LinkSnapshot struct {
	ShareLink    string `json:"share_link,omitempty"`
	DownloadLink string `json:"download_link,omitempty"`
}

// Equal reports whether both links match field-by-field.
func (s LinkSnapshot) Equal(o LinkSnapshot) bool {
	return s.ShareLink == o.ShareLink && s.DownloadLink == o.DownloadLink
}

// Empty reports whether the snapshot holds no links at all.
func (s LinkSnapshot) Empty() bool {
	return s.ShareLink == "" && s.DownloadLink == ""
}

// ResultStatus marks the outcome carried by an AutomationResult.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// AutomationResult is what the monitor reports back to the initiator the
// first time a share link appears (or on a manual save).
type AutomationResult struct {
	TaskID        string       `json:"task_id"`
	PublicationID string       `json:"publication_id"`
	ResultURL     string       `json:"result_url"`
	DownloadURL   string       `json:"download_url,omitempty"`
	Status        ResultStatus `json:"status"`
}
