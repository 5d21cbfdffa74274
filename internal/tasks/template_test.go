package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidflow/bidflow/pkg/schema"
)

func testBundle() *InputBundle {
	return &InputBundle{
		ProjectID:    "proj-1",
		DocumentID:   "doc-1",
		DocumentText: "Provide migration services for 2M records.",
		Outputs: map[schema.TaskName]map[string]any{
			schema.TaskChallengeExtract: {
				"challenges": []any{
					map[string]any{"title": "Data quality", "description": "d", "severity": "high"},
					map[string]any{"title": "Tight timeline", "description": "d", "severity": "medium"},
				},
			},
		},
	}
}

func TestRenderPlainTemplate(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(), "no interpolation here", testBundle())
	require.NoError(t, err)
	assert.Equal(t, "no interpolation here", out)
}

func TestRenderDocumentReference(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(), "Document: ${{ .document }}", testBundle())
	require.NoError(t, err)
	assert.Equal(t, "Document: Provide migration services for 2M records.", out)
}

func TestRenderJQPipeline(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(),
		`${{ .tasks.challenge_extraction.challenges | length }} challenges`, testBundle())
	require.NoError(t, err)
	assert.Equal(t, "2 challenges", out)
}

func TestRenderArrayAsJSON(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(),
		`${{ [.tasks.challenge_extraction.challenges[].title] }}`, testBundle())
	require.NoError(t, err)
	assert.Equal(t, `["Data quality","Tight timeline"]`, out)
}

func TestRenderJoin(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(),
		`${{ [.tasks.challenge_extraction.challenges[]?.title] | join(" ") }}`, testBundle())
	require.NoError(t, err)
	assert.Equal(t, "Data quality Tight timeline", out)
}

func TestRenderMissingKeyIsNull(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	out, err := r.Render(context.Background(), "${{ .tasks.rfp_analysis }}", testBundle())
	require.NoError(t, err)
	assert.Equal(t, "null", out)
}

func TestRenderUnclosedExpression(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	_, err := r.Render(context.Background(), "before ${{ .document", testBundle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")
}

func TestRenderEmptyExpression(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	_, err := r.Render(context.Background(), "${{  }}", testBundle())
	require.Error(t, err)
}

func TestRenderNestedExpressionRejected(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	_, err := r.Render(context.Background(), "${{ ${{ .document }} }}", testBundle())
	require.Error(t, err)
}

func TestRenderInvalidJQ(t *testing.T) {
	r := NewRenderer(NewJQEngine())

	_, err := r.Render(context.Background(), "${{ .[unbalanced }}", testBundle())
	require.Error(t, err)

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)
}

func TestJQEngineMultipleOutputs(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]",
		map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestJQEngineNormalizesInts(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestJQEngineEmptyExpression(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
}
