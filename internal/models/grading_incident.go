package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingIncident records a grading error with the internal context operators need to fix it.
// Students only ever see the generic public message.
type GradingIncident struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	RequestID       string            `gorm:"size:64;index" json:"request_id"`
	QuestionID      string            `gorm:"size:128;index" json:"question_id"`
	QuestionVersion int               `json:"question_version"`
	Stage           string            `gorm:"size:32;index" json:"stage"`
	Kind            string            `gorm:"size:64" json:"kind"`
	Language        string            `gorm:"size:32" json:"language"`
	Message         string            `gorm:"type:text" json:"message"`
	Context         datatypes.JSONMap `json:"context"`
	CreatedAt       time.Time         `gorm:"index" json:"created_at"`
}
