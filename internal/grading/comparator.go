package grading

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Matches reports whether observed is equivalent to expected under policy. It never
// fails: output that cannot be compared under the policy is simply not a match.
func Matches(expected, observed string, policy Policy) bool {
	switch policy.Kind {
	case PolicyNumeric:
		return numericMatch(expected, observed, policy.AbsTolerance, policy.RelTolerance)
	case PolicyNormalized:
		return foldCase(normalizeText(expected), policy) == foldCase(normalizeText(observed), policy)
	case PolicyTokens:
		return tokensMatch(expected, observed, policy)
	case PolicyJSON:
		return jsonMatch(expected, observed)
	default:
		return expected == observed
	}
}

// normalizeText unifies line endings, strips trailing whitespace from every line and trims
// blank space around the whole text.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func foldCase(s string, policy Policy) string {
	if policy.CaseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

func tokensMatch(expected, observed string, policy Policy) bool {
	want := strings.Fields(foldCase(expected, policy))
	got := strings.Fields(foldCase(observed, policy))
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// numericMatch compares whitespace-separated numbers field by field. A field matches when it
// is textually identical or within either tolerance.
func numericMatch(expected, observed string, absTol, relTol float64) bool {
	want := strings.Fields(expected)
	got := strings.Fields(observed)
	if len(want) == 0 || len(want) != len(got) {
		return strings.TrimSpace(expected) == strings.TrimSpace(observed)
	}

	for i := range want {
		if want[i] == got[i] {
			continue
		}
		ev, eOK := parseFloat(want[i])
		ov, oOK := parseFloat(got[i])
		if !eOK || !oOK {
			return false
		}
		if !withinTolerance(ev, ov, absTol, relTol) {
			return false
		}
	}
	return true
}

func withinTolerance(expected, observed, absTol, relTol float64) bool {
	if math.IsNaN(expected) || math.IsNaN(observed) {
		return false
	}
	diff := math.Abs(expected - observed)
	if diff == 0 {
		return true
	}
	if absTol > 0 && diff <= absTol {
		return true
	}
	return relTol > 0 && diff <= relTol*math.Abs(expected)
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func jsonMatch(expected, observed string) bool {
	var want, got interface{}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(observed), &got); err != nil {
		return false
	}
	return reflect.DeepEqual(want, got)
}
