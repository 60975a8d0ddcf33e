package pipeline

import (
	"testing"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesData() domain.PipelineResult {
	return domain.PipelineResult{
		"sales": {
			{"region": "EU", "amount": float64(120)},
			{"region": "US", "amount": float64(80)},
		},
	}
}

func TestSandbox_SingleExpressionIdentity(t *testing.T) {
	s := NewSandbox(0, 0)

	out, err := s.Transform(`data`, "", salesData(), nil)
	require.NoError(t, err)
	require.Contains(t, out, "sales")
	require.Len(t, out["sales"], 2)
	assert.Equal(t, "EU", out["sales"][0]["region"])
	assert.Equal(t, float64(120), out["sales"][0]["amount"])
}

func TestSandbox_ListBindsToSoleRawKey(t *testing.T) {
	s := NewSandbox(0, 0)

	out, err := s.Transform(`[{"total": len(data["sales"])}]`, "", salesData(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineResult{
		"sales": {{"total": int64(2)}},
	}, out)
}

func TestSandbox_ListWithMultiKeyRawGoesUnderResult(t *testing.T) {
	s := NewSandbox(0, 0)
	raw := domain.PipelineResult{
		"sales":   {{"amount": float64(1)}},
		"returns": {{"amount": float64(2)}},
	}

	out, err := s.Transform(`[{"n": 1}]`, "", raw, nil)
	require.NoError(t, err)
	require.Contains(t, out, "result")
	assert.Equal(t, []domain.Row{{"n": int64(1)}}, out["result"])
}

func TestSandbox_MultiLineBody(t *testing.T) {
	s := NewSandbox(0, 0)
	code := `rows = []
for row in data["sales"]:
    rows.append({"region": row["region"], "big": row["amount"] > 100})
return {"flagged": rows}`

	out, err := s.Transform(code, "", salesData(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineResult{
		"flagged": {
			{"region": "EU", "big": true},
			{"region": "US", "big": false},
		},
	}, out)
}

func TestSandbox_SharedHelpers(t *testing.T) {
	s := NewSandbox(0, 0)
	shared := "def double(x):\n    return x * 2\n"

	out, err := s.Transform(`[{"v": double(21)}]`, shared, salesData(), nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{"v": int64(42)}}, out["sales"])
}

func TestSandbox_JSONPathHelper(t *testing.T) {
	s := NewSandbox(0, 0)

	out, err := s.Transform(`[{"first": q("$.sales[0].region"), "missing": q("$.orders[0].id")}]`, "", salesData(), nil)
	require.NoError(t, err)
	require.Len(t, out["sales"], 1)
	assert.Equal(t, "EU", out["sales"][0]["first"])
	assert.Nil(t, out["sales"][0]["missing"])
}

func TestSandbox_JSONPathOverExplicitValue(t *testing.T) {
	s := NewSandbox(0, 0)

	out, err := s.Transform(`[{"v": q("$.a", value={"a": 5})}]`, "", salesData(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["sales"][0]["v"])
}

func TestSandbox_NestedQueryBinding(t *testing.T) {
	s := NewSandbox(0, 0)

	var gotID string
	var gotVars map[string]any
	queryFn := func(id string, vars map[string]any) (domain.PipelineResult, error) {
		gotID = id
		gotVars = vars
		return domain.PipelineResult{"items": {{"sku": "A-1"}}}, nil
	}

	out, err := s.Transform(`query("inventory", vars={"depot": "north"})["items"]`, "", salesData(), queryFn)
	require.NoError(t, err)
	assert.Equal(t, "inventory", gotID)
	assert.Equal(t, map[string]any{"depot": "north"}, gotVars)
	assert.Equal(t, []domain.Row{{"sku": "A-1"}}, out["sales"])
}

func TestSandbox_NestedQueryFailureIsTransformError(t *testing.T) {
	s := NewSandbox(0, 0)
	queryFn := func(string, map[string]any) (domain.PipelineResult, error) {
		return nil, domain.ErrFetch("endpoint unreachable")
	}

	_, err := s.Transform(`query("inventory")`, "", salesData(), queryFn)
	require.Error(t, err)
	var terr *domain.TransformError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "endpoint unreachable")
}

func TestSandbox_SyntaxErrorIsParseError(t *testing.T) {
	s := NewSandbox(0, 0)

	_, err := s.Transform("return ((", "", salesData(), nil)
	var perr *domain.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestSandbox_RuntimeErrorIsTransformError(t *testing.T) {
	s := NewSandbox(0, 0)

	_, err := s.Transform(`data["orders"][0]`, "", salesData(), nil)
	var terr *domain.TransformError
	require.ErrorAs(t, err, &terr)
}

func TestSandbox_NonDictNonListResultRejected(t *testing.T) {
	s := NewSandbox(0, 0)

	_, err := s.Transform(`42`, "", salesData(), nil)
	var terr *domain.TransformError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "dict or a list")
}

func TestSandbox_AssignmentOnlyBodyReturnsNone(t *testing.T) {
	s := NewSandbox(0, 0)

	_, err := s.Transform(`x = 1`, "", salesData(), nil)
	var terr *domain.TransformError
	require.ErrorAs(t, err, &terr)
}

func TestSandbox_Timeout(t *testing.T) {
	s := NewSandbox(0, 0)
	s.maxSteps = 1_000_000_000
	s.timeout = 5 * time.Millisecond
	code := `total = 0
for i in range(0, 1000000000):
    total += i
return {"sales": [{"total": total}]}`

	_, err := s.Transform(code, "", salesData(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSandbox_StepLimit(t *testing.T) {
	s := NewSandbox(0, 0)
	s.maxSteps = 100
	code := `total = 0
for i in range(0, 100000):
    total += i
return {"sales": [{"total": total}]}`

	_, err := s.Transform(code, "", salesData(), nil)
	var terr *domain.TransformError
	require.ErrorAs(t, err, &terr)
}

func TestRenderTransformSource(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "single expression becomes return",
			code: `{"a": data["a"]}`,
			want: "def transform(data, q, query):\n    return {\"a\": data[\"a\"]}\n",
		},
		{
			name: "single statement kept verbatim",
			code: `return data`,
			want: "def transform(data, q, query):\n    return data\n",
		},
		{
			name: "assignment is a statement",
			code: `x = 1`,
			want: "def transform(data, q, query):\n    x = 1\n",
		},
		{
			name: "comparison is an expression",
			code: `[{"eq": 1 == 1}]`,
			want: "def transform(data, q, query):\n    return [{\"eq\": 1 == 1}]\n",
		},
		{
			name: "keyword argument equals stays expression",
			code: `query("other", vars={"a": 1})`,
			want: "def transform(data, q, query):\n    return query(\"other\", vars={\"a\": 1})\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderTransformSource(tt.code, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTransformSource_EmptyIsParseError(t *testing.T) {
	_, err := renderTransformSource("   \n  ", "")
	var perr *domain.ParseError
	require.ErrorAs(t, err, &perr)
}
