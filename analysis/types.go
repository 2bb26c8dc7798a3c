package analysis

import (
	"encoding/json"

	"github.com/hazyhaar/brandscope/analysis/internal/pipeline"
	"github.com/hazyhaar/brandscope/analysis/internal/store"
)

// QuestionnaireInput is the submitted questionnaire. It is validated by
// the gate, then stored as the job's immutable input snapshot.
type QuestionnaireInput = pipeline.Input

// JobView is the API-facing projection of a job.
type JobView struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Stage        string          `json:"stage,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorRemedy  string          `json:"error_remedy,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	StartedAt    *int64          `json:"started_at,omitempty"`
	FinishedAt   *int64          `json:"finished_at,omitempty"`
}

func viewOf(j *store.Job) *JobView {
	return &JobView{
		ID:           j.ID,
		Status:       string(j.Status),
		Progress:     j.Progress,
		Stage:        j.CurrentStage,
		Result:       json.RawMessage(j.ResultJSON),
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		ErrorRemedy:  j.ErrorRemedy,
		FallbackUsed: j.FallbackUsed,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}
