package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
)

// GradeRequest is the payload for grading one submission.
type GradeRequest struct {
	RequestID  string `json:"request_id,omitempty" validate:"omitempty,max=64"`
	QuestionID string `json:"question_id" validate:"required,max=128"`
	Language   string `json:"language" validate:"required,max=32"`
	Source     string `json:"source" validate:"required"`
}

// GradeResponse is the graded result returned to the caller.
type GradeResponse struct {
	RequestID  string                 `json:"request_id"`
	QuestionID string                 `json:"question_id"`
	Grade      float64                `json:"grade"`
	Passed     int                    `json:"passed"`
	Total      int                    `json:"total"`
	Verdict    string                 `json:"verdict,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Feedback   []CaseFeedbackResponse `json:"feedback"`
}

// CaseFeedbackResponse describes the outcome of one test case.
type CaseFeedbackResponse struct {
	Index    int     `json:"index"`
	Name     string  `json:"name,omitempty"`
	Status   string  `json:"status"`
	Expected string  `json:"expected,omitempty"`
	Observed string  `json:"observed,omitempty"`
	Message  string  `json:"message,omitempty"`
	Weight   float64 `json:"weight"`
}

// NewGradeResponse builds a response DTO from a pipeline result.
func NewGradeResponse(requestID string, result grading.Result, elapsed time.Duration) GradeResponse {
	response := GradeResponse{
		RequestID:  requestID,
		QuestionID: result.QuestionID,
		Grade:      result.Grade,
		Passed:     result.Passed,
		Total:      result.Total,
		Verdict:    result.Verdict,
		DurationMs: elapsed.Milliseconds(),
		Feedback:   make([]CaseFeedbackResponse, 0, len(result.Feedback)),
	}

	for _, fb := range result.Feedback {
		response.Feedback = append(response.Feedback, CaseFeedbackResponse{
			Index:    fb.Index,
			Name:     fb.Name,
			Status:   string(fb.Status),
			Expected: fb.Expected,
			Observed: fb.Observed,
			Message:  fb.Message,
			Weight:   fb.Weight,
		})
	}
	return response
}

// GradeReply is the envelope sent back over the message bus.
type GradeReply struct {
	Success bool           `json:"success"`
	Data    *GradeResponse `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// QuestionResponse is the public view of a question. Test inputs and reference sources stay private.
type QuestionResponse struct {
	ID            string  `json:"id"`
	Version       int     `json:"version"`
	Title         string  `json:"title,omitempty"`
	Policy        string  `json:"policy"`
	Weighted      bool    `json:"weighted"`
	Rounding      string  `json:"rounding"`
	PassThreshold float64 `json:"pass_threshold,omitempty"`
	CaseCount     int     `json:"case_count"`
	TimeoutMs     int64   `json:"timeout_ms"`
	MemoryMB      int64   `json:"memory_mb"`
}

// NewQuestionResponse builds the public question view.
func NewQuestionResponse(spec grading.QuestionSpec) QuestionResponse {
	limits := spec.Limits.Or(grading.DefaultLimits)
	return QuestionResponse{
		ID:            spec.ID,
		Version:       spec.Version,
		Title:         spec.Title,
		Policy:        string(spec.Method.Policy.Kind),
		Weighted:      spec.Method.Weighted,
		Rounding:      string(spec.Method.Rounding),
		PassThreshold: spec.Method.PassThreshold,
		CaseCount:     len(spec.Cases),
		TimeoutMs:     limits.Timeout.Milliseconds(),
		MemoryMB:      limits.MemoryMB,
	}
}

// IncidentListQuery filters the operator incident list.
type IncidentListQuery struct {
	QuestionID string `query:"question_id" validate:"omitempty,max=128"`
	Stage      string `query:"stage" validate:"omitempty,oneof=resolve_answer_key prepare run_case aggregate validate"`
	Page       int    `query:"page" validate:"omitempty,gte=1"`
	PageSize   int    `query:"page_size" validate:"omitempty,gte=1,lte=100"`
}

// IncidentResponse describes one recorded grading incident.
type IncidentResponse struct {
	ID              uint                   `json:"id"`
	RequestID       string                 `json:"request_id"`
	QuestionID      string                 `json:"question_id"`
	QuestionVersion int                    `json:"question_version"`
	Stage           string                 `json:"stage"`
	Kind            string                 `json:"kind"`
	Language        string                 `json:"language"`
	Message         string                 `json:"message"`
	Context         map[string]interface{} `json:"context,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// IncidentListResponse is a page of incidents.
type IncidentListResponse struct {
	Items    []IncidentResponse `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// NewIncidentResponse converts the model into its response DTO.
func NewIncidentResponse(incident models.GradingIncident) IncidentResponse {
	return IncidentResponse{
		ID:              incident.ID,
		RequestID:       incident.RequestID,
		QuestionID:      incident.QuestionID,
		QuestionVersion: incident.QuestionVersion,
		Stage:           incident.Stage,
		Kind:            incident.Kind,
		Language:        incident.Language,
		Message:         incident.Message,
		Context:         incident.Context,
		CreatedAt:       incident.CreatedAt,
	}
}
