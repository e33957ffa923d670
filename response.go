package refcache

import "encoding/json"

// ResponseFormat selects how much detail processing responses carry.
type ResponseFormat string

const (
	// FormatMinimal: just ref_id and status.
	FormatMinimal ResponseFormat = "minimal"
	// FormatStandard adds started_at, retry_count, and can_retry.
	FormatStandard ResponseFormat = "standard"
	// FormatFull adds progress, eta_seconds, and the tool's declared result
	// schema so clients can prepare parsing before completion.
	FormatFull ResponseFormat = "full"
)

// Response is the structured result of a cache read or wrapped tool call.
// Exactly one of three shapes is populated:
//
//   - complete: IsComplete=true with Value and Size;
//   - preview: IsComplete=false with Preview, Strategy, and size fields;
//   - processing: Status="processing" for an in-flight background task.
type Response struct {
	RefID      string `json:"ref_id"`
	IsComplete bool   `json:"is_complete"`

	// Complete shape.
	Value any `json:"value,omitempty"`
	Size  int `json:"size,omitempty"`

	// Preview shape.
	Preview      any             `json:"preview,omitempty"`
	Strategy     PreviewStrategy `json:"strategy,omitempty"`
	OriginalSize int             `json:"original_size,omitempty"`
	PreviewSize  int             `json:"preview_size,omitempty"`
	Page         int             `json:"page,omitempty"`
	TotalPages   int             `json:"total_pages,omitempty"`
	Message      string          `json:"message,omitempty"`

	// Shared by complete and preview.
	TotalItems int `json:"total_items,omitempty"`

	// Processing shape.
	Status       string          `json:"status,omitempty"`
	StartedAt    int64           `json:"started_at,omitempty"`
	Progress     *Progress       `json:"progress,omitempty"`
	ETASeconds   float64         `json:"eta_seconds,omitempty"`
	RetryCount   int             `json:"retry_count,omitempty"`
	CanRetry     bool            `json:"can_retry,omitempty"`
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`
}

// processingResponse builds the polling response for an in-flight task at
// the requested detail level.
func processingResponse(rec TaskRecord, format ResponseFormat, schema json.RawMessage) Response {
	resp := Response{
		RefID:  rec.RefID,
		Status: "processing",
	}
	if format == FormatMinimal {
		return resp
	}
	resp.StartedAt = rec.StartedAt
	resp.RetryCount = rec.Retries
	resp.CanRetry = rec.Retries < rec.MaxRetries
	if format == FormatStandard {
		return resp
	}
	resp.Progress = rec.Progress
	resp.ETASeconds = rec.ETASeconds()
	resp.ResultSchema = schema
	return resp
}
