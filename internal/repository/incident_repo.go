package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// IncidentFilter narrows incident list queries.
type IncidentFilter struct {
	QuestionID string
	Stage      string
	Page       int
	PageSize   int
}

// IncidentRepository persists grading incidents for operators.
type IncidentRepository interface {
	Create(ctx context.Context, incident *models.GradingIncident) error
	List(ctx context.Context, filter IncidentFilter) ([]models.GradingIncident, int64, error)
}

type incidentRepository struct {
	db *gorm.DB
}

// NewIncidentRepository constructs the gorm backed incident repository.
func NewIncidentRepository(db *gorm.DB) IncidentRepository {
	return &incidentRepository{db: db}
}

func (r *incidentRepository) Create(ctx context.Context, incident *models.GradingIncident) error {
	return r.db.WithContext(ctx).Create(incident).Error
}

func (r *incidentRepository) List(ctx context.Context, filter IncidentFilter) ([]models.GradingIncident, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.GradingIncident{})
	if filter.QuestionID != "" {
		query = query.Where("question_id = ?", filter.QuestionID)
	}
	if filter.Stage != "" {
		query = query.Where("stage = ?", filter.Stage)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var incidents []models.GradingIncident
	if err := query.Order("created_at DESC, id DESC").Find(&incidents).Error; err != nil {
		return nil, 0, err
	}
	return incidents, total, nil
}
