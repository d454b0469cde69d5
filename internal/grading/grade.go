package grading

import "math"

const (
	MinGrade = 0.0
	MaxGrade = 100.0
)

// ValidateGrade returns grade unchanged when it lies in [MinGrade, MaxGrade].
func ValidateGrade(grade float64) (float64, error) {
	if math.IsNaN(grade) || grade < MinGrade || grade > MaxGrade {
		return grade, &ValidationFailure{Kind: OutOfRange, Value: grade}
	}
	return grade, nil
}
