package grading

import (
	"fmt"
	"math"
)

// Aggregate reduces case feedback to a grade on the 0-100 scale using method's weighting
// and rounding. The result is not validated here.
func Aggregate(feedback []CaseFeedback, method Method) (float64, error) {
	if len(feedback) == 0 {
		return 0, &ConfigurationError{Kind: NoTestCases}
	}

	var earned, total float64
	for _, fb := range feedback {
		weight := 1.0
		if method.Weighted {
			weight = fb.Weight
			if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
				return 0, &ConfigurationError{Kind: InvalidSpec, Detail: fmt.Sprintf("case %d has invalid weight %v", fb.Index+1, weight)}
			}
		}
		total += weight
		if fb.Status == CasePass {
			earned += weight
		}
	}

	if total <= 0 {
		return 0, &ConfigurationError{Kind: InvalidSpec, Detail: "case weights sum to zero"}
	}

	return round(earned/total*MaxGrade, method.Rounding), nil
}

func round(grade float64, mode Rounding) float64 {
	switch mode {
	case RoundTruncate:
		return math.Trunc(grade)
	case RoundNearest:
		return math.Floor(grade + 0.5)
	default:
		return grade
	}
}
