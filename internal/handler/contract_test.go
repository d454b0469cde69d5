package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
)

func TestGradeResponseContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "grade_response.schema.json"))
	require.NoError(t, err)

	schema, err := jsonschema.NewCompiler().Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)

	result := grading.Result{
		QuestionID: "sum-two",
		Grade:      50,
		Passed:     1,
		Total:      2,
		Feedback: []grading.CaseFeedback{
			{Index: 0, Name: "small", Status: grading.CasePass, Weight: 1},
			{Index: 1, Name: "negative", Status: grading.CaseMismatch, Expected: "-1", Observed: "1", Weight: 1},
		},
	}
	app := newGradingApp(&mockGradingService{response: dto.NewGradeResponse("req-7", result, 120*time.Millisecond)})

	body, err := json.Marshal(dto.GradeRequest{QuestionID: "sum-two", Language: "python", Source: "print(1)"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/grading/grade", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.NoError(t, schema.Validate(payload))
}
