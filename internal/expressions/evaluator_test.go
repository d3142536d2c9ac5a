package expressions

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/pkg/schema"
)

// countingEngine records every expression it is asked to evaluate and
// answers from a fixed table.
type countingEngine struct {
	mu      sync.Mutex
	calls   map[string]int
	answers map[string]any
}

func newCountingEngine(answers map[string]any) *countingEngine {
	return &countingEngine{calls: make(map[string]int), answers: answers}
}

func (c *countingEngine) Name() string { return "counting" }

func (c *countingEngine) Evaluate(_ context.Context, expression string, _ map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[expression]++
	return c.answers[expression], nil
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingObserver) ObserveCondition(kind string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func newTestEvaluator(opts ...EvaluatorOption) *ConditionEvaluator {
	opts = append([]EvaluatorOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewConditionEvaluator(opts...)
}

func eval(t *testing.T, e *ConditionEvaluator, c *schema.Condition, data any) bool {
	t.Helper()
	return e.EvaluateCondition(context.Background(), c, data)
}

func TestEvaluate_Comparison(t *testing.T) {
	e := newTestEvaluator()
	cond := &schema.Condition{Kind: schema.ConditionComparison, Left: "amount", Op: ">", Right: "5000"}

	assert.True(t, eval(t, e, cond, map[string]any{"amount": 7000.0}))
	assert.False(t, eval(t, e, cond, map[string]any{"amount": 3000.0}))
	assert.False(t, eval(t, e, cond, map[string]any{}))
}

func TestEvaluate_ComparisonCoercion(t *testing.T) {
	e := newTestEvaluator()
	tests := []struct {
		name  string
		op    string
		right any
		data  map[string]any
		want  bool
	}{
		{"numeric string equals number", "==", "42", map[string]any{"n": 42.0}, true},
		{"number in context as string", "==", "42", map[string]any{"n": "42"}, true},
		{"true literal", "==", "true", map[string]any{"n": true}, true},
		{"true literal against 1", "==", "true", map[string]any{"n": 1.0}, true},
		{"plain string", "==", "gold", map[string]any{"n": "gold"}, true},
		{"not equal", "!=", "gold", map[string]any{"n": "silver"}, true},
		{"missing not equal", "!=", "gold", map[string]any{}, true},
		{"string ordering", "<", "b", map[string]any{"n": "a"}, true},
		{"greater or equal", ">=", "10", map[string]any{"n": 10.0}, true},
		{"less or equal", "<=", "9.5", map[string]any{"n": 10.0}, false},
		{"signed literal stays string", "<", "-1", map[string]any{"n": 0.0}, false},
		{"unknown operator", "=~", "1", map[string]any{"n": 1.0}, false},
		{"null right is undefined", "==", nil, map[string]any{"n": nil}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &schema.Condition{Kind: schema.ConditionComparison, Left: "n", Op: tt.op, Right: tt.right}
			assert.Equal(t, tt.want, eval(t, e, cond, tt.data))
		})
	}
}

func TestEvaluate_Boolean(t *testing.T) {
	e := newTestEvaluator()
	isActive := &schema.Condition{Kind: schema.ConditionBoolean, Var: "active", Value: true}
	isInactive := &schema.Condition{Kind: schema.ConditionBoolean, Var: "active", Value: false}

	assert.True(t, eval(t, e, isActive, map[string]any{"active": true}))
	assert.True(t, eval(t, e, isActive, map[string]any{"active": "yes"}))
	assert.False(t, eval(t, e, isActive, map[string]any{"active": 0.0}))
	assert.True(t, eval(t, e, isInactive, map[string]any{}))
}

func TestEvaluate_String(t *testing.T) {
	e := newTestEvaluator()

	ci := &schema.Condition{Kind: schema.ConditionString, Left: "status", Op: "contains", Value: "OK", CaseInsensitive: true}
	assert.True(t, eval(t, e, ci, map[string]any{"status": "looks ok today"}))

	cs := &schema.Condition{Kind: schema.ConditionString, Left: "status", Op: "contains", Value: "OK"}
	assert.False(t, eval(t, e, cs, map[string]any{"status": "looks ok today"}))

	tests := []struct {
		op    string
		value string
		left  any
		want  bool
	}{
		{"not_contains", "x", "abc", true},
		{"starts_with", "ab", "abc", true},
		{"ends_with", "bc", "abc", true},
		{"equals", "abc", "abc", true},
		{"equals", "42", 42.0, true},
		{"equals", "", nil, true},
		{"starts_with", "", "anything", true},
		{"matches", "a", "abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.op+"/"+tt.value, func(t *testing.T) {
			cond := &schema.Condition{Kind: schema.ConditionString, Left: "s", Op: tt.op, Value: tt.value}
			assert.Equal(t, tt.want, eval(t, e, cond, map[string]any{"s": tt.left}))
		})
	}

	absent := &schema.Condition{Kind: schema.ConditionString, Left: "missing", Op: "equals", Value: ""}
	assert.True(t, eval(t, e, absent, map[string]any{}))

	for _, op := range []string{"contains", "not_contains", "equals", "starts_with"} {
		noValue := &schema.Condition{Kind: schema.ConditionString, Left: "s", Op: op}
		assert.False(t, eval(t, e, noValue, map[string]any{"s": "abc"}), op)
	}
}

func TestEvaluate_MultiEvaluatesEverySubCondition(t *testing.T) {
	engine := newCountingEngine(map[string]any{"first": false, "second": true, "third": true})
	e := newTestEvaluator(WithEngine(engine))

	and := &schema.Condition{
		Kind:  schema.ConditionMulti,
		Op:    "AND",
		Conds: []schema.Expression{schema.Text("first"), schema.Text("second"), schema.Text("third")},
	}
	assert.False(t, eval(t, e, and, map[string]any{}))
	assert.Equal(t, map[string]int{"first": 1, "second": 1, "third": 1}, engine.calls)

	or := &schema.Condition{
		Kind:  schema.ConditionMulti,
		Op:    "or",
		Conds: []schema.Expression{schema.Text("second"), schema.Text("first")},
	}
	assert.True(t, eval(t, e, or, map[string]any{}))
	assert.Equal(t, 2, engine.calls["first"])
	assert.Equal(t, 2, engine.calls["second"])
}

func TestEvaluate_MultiMixedForms(t *testing.T) {
	e := newTestEvaluator()
	cond := &schema.Condition{
		Kind: schema.ConditionMulti,
		Op:   "AND",
		Conds: []schema.Expression{
			schema.Text("amount > 100"),
			schema.Structured(&schema.Condition{Kind: schema.ConditionString, Left: "tier", Op: "equals", Value: "gold"}),
		},
	}
	assert.True(t, eval(t, e, cond, map[string]any{"amount": 150.0, "tier": "gold"}))
	assert.False(t, eval(t, e, cond, map[string]any{"amount": 150.0, "tier": "silver"}))

	empty := &schema.Condition{Kind: schema.ConditionMulti, Op: "AND"}
	assert.True(t, eval(t, e, empty, nil))
	empty.Op = "OR"
	assert.False(t, eval(t, e, empty, nil))
	empty.Op = "XOR"
	assert.False(t, eval(t, e, empty, nil))
}

func TestEvaluate_Date(t *testing.T) {
	e := newTestEvaluator()
	before := &schema.Condition{Kind: schema.ConditionDate, Left: "due", Op: "before", Date: "2024-06-01"}
	after := &schema.Condition{Kind: schema.ConditionDate, Left: "due", Op: "after", Date: "2024-06-01T00:00:00Z"}

	assert.True(t, eval(t, e, before, map[string]any{"due": "2024-01-15"}))
	assert.False(t, eval(t, e, after, map[string]any{"due": "2024-01-15"}))
	assert.True(t, eval(t, e, after, map[string]any{"due": "2025-02-01T10:30:00+02:00"}))
	assert.True(t, eval(t, e, before, map[string]any{"due": 1704067200000.0}))

	assert.False(t, eval(t, e, before, map[string]any{}))
	assert.False(t, eval(t, e, before, map[string]any{"due": "not a date"}))

	badOp := &schema.Condition{Kind: schema.ConditionDate, Left: "due", Op: "on", Date: "2024-06-01"}
	assert.False(t, eval(t, e, badOp, map[string]any{"due": "2024-06-01"}))
}

func TestEvaluate_Range(t *testing.T) {
	e := newTestEvaluator()
	cond := &schema.Condition{Kind: schema.ConditionRange, Left: "score", Min: 10.0, Max: "100"}

	assert.True(t, eval(t, e, cond, map[string]any{"score": 10.0}))
	assert.True(t, eval(t, e, cond, map[string]any{"score": "55"}))
	assert.True(t, eval(t, e, cond, map[string]any{"score": 100.0}))
	assert.False(t, eval(t, e, cond, map[string]any{"score": 100.5}))
	assert.False(t, eval(t, e, cond, map[string]any{}))

	open := &schema.Condition{Kind: schema.ConditionRange, Left: "score", Min: 0.0}
	assert.False(t, eval(t, e, open, map[string]any{"score": 5.0}))
}

func TestEvaluate_Regex(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name    string
		pattern string
		flags   string
		value   any
		want    bool
	}{
		{"plain", `^ORD-\d+$`, "", "ORD-123", true},
		{"no match", `^ORD-\d+$`, "", "INV-123", false},
		{"ignore case", `^ord`, "i", "ORD-1", true},
		{"global flag accepted", `\d`, "g", "a1", true},
		{"dot all", `a.b`, "s", "a\nb", true},
		{"dot without s", `a.b`, "", "a\nb", false},
		{"multiline", `^b$`, "m", "a\nb", true},
		{"number stringified", `^4\d$`, "", 42.0, true},
		{"absent is empty", `^$`, "", nil, true},
		{"invalid pattern", `(`, "", "x", false},
		{"invalid flag", `x`, "q", "x", false},
		{"duplicate flag", `x`, "ii", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &schema.Condition{Kind: schema.ConditionRegex, Left: "v", Pattern: tt.pattern, Flags: tt.flags}
			data := map[string]any{}
			if tt.value != nil {
				data["v"] = tt.value
			}
			assert.Equal(t, tt.want, eval(t, e, cond, data))
		})
	}
}

func TestCheckRegex(t *testing.T) {
	assert.NoError(t, CheckRegex(`^ORD-\d+$`, "gi"))
	assert.Error(t, CheckRegex(`(`, ""))
	assert.Error(t, CheckRegex(`x`, "q"))
}

func TestEvaluate_External(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/true":
			_, _ = io.WriteString(w, `true`)
		case "/false":
			_, _ = io.WriteString(w, `false`)
		case "/result-one":
			_, _ = io.WriteString(w, `{"result": 1}`)
		case "/result-empty":
			_, _ = io.WriteString(w, `{"result": ""}`)
		case "/object":
			_, _ = io.WriteString(w, `{"ok": false}`)
		case "/zero":
			_, _ = io.WriteString(w, `0`)
		case "/error-status":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `true`)
		case "/user":
			_, _ = io.WriteString(w, `{"result": `+quoteBool(r.URL.Query().Get("id") == "u 1")+`}`)
		default:
			_, _ = io.WriteString(w, `not json`)
		}
	}))
	defer srv.Close()

	e := newTestEvaluator()
	tests := map[string]bool{
		"/true":         true,
		"/false":        false,
		"/result-one":   true,
		"/result-empty": false,
		"/object":       true,
		"/zero":         false,
		"/error-status": true,
		"/garbage":      false,
	}
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			cond := &schema.Condition{Kind: schema.ConditionExternal, URL: srv.URL + path}
			assert.Equal(t, want, eval(t, e, cond, nil))
		})
	}

	templated := &schema.Condition{Kind: schema.ConditionExternal, URL: srv.URL + "/user?id=${{user.id}}"}
	assert.True(t, eval(t, e, templated, map[string]any{"user": map[string]any{"id": "u 1"}}))

	unreachable := &schema.Condition{Kind: schema.ConditionExternal, URL: "http://127.0.0.1:1/never"}
	assert.False(t, eval(t, e, unreachable, nil))

	invalid := &schema.Condition{Kind: schema.ConditionExternal, URL: "ftp://example.com"}
	assert.False(t, eval(t, e, invalid, nil))
}

func quoteBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestEvaluate_SwitchAndUnknownAreFalse(t *testing.T) {
	e := newTestEvaluator()

	sw := &schema.Condition{Kind: schema.ConditionSwitch, Var: "status", Map: map[string]any{"Approved": "true"}}
	assert.False(t, eval(t, e, sw, map[string]any{"status": "Approved"}))

	assert.False(t, eval(t, e, &schema.Condition{Kind: "telepathy"}, map[string]any{}))
	assert.False(t, e.EvaluateCondition(context.Background(), nil, nil))
}

func TestEvaluate_FreeText(t *testing.T) {
	e := newTestEvaluator()
	ctx := context.Background()

	assert.True(t, e.Evaluate(ctx, schema.Text("amount > 1000"), map[string]any{"amount": 1500.0}))
	assert.False(t, e.Evaluate(ctx, schema.Text("amount > 1000"), map[string]any{"amount": 500.0}))
	assert.False(t, e.Evaluate(ctx, schema.Text("amount > 1000"), map[string]any{}))
	assert.False(t, e.Evaluate(ctx, schema.Text("amount >"), map[string]any{"amount": 1.0}))
	assert.False(t, e.Evaluate(ctx, schema.Expression{}, map[string]any{}))
	assert.True(t, e.Evaluate(ctx, schema.Text(`name`), map[string]any{"name": "x"}))
}

func TestEvaluate_FreeTextCEL(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	e := newTestEvaluator(WithEngine(cel))

	assert.True(t, e.Evaluate(context.Background(), schema.Text("context.amount > 1000"), map[string]any{"amount": 1500.0}))
	assert.False(t, e.Evaluate(context.Background(), schema.Text("context.amount > 1000"), map[string]any{}))
	assert.True(t, e.EvaluateText(context.Background(), "amount > 1000", map[string]any{"amount": 1500.0}))
	assert.False(t, e.EvaluateText(context.Background(), "amount > 1000", map[string]any{"amount": 500.0}))
	assert.False(t, e.EvaluateText(context.Background(), "amount > 1000", map[string]any{}))
}

func TestEvaluate_ObserverSeesEveryDecision(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEvaluator(WithObserver(obs))

	cond := &schema.Condition{
		Kind: schema.ConditionMulti,
		Op:   "AND",
		Conds: []schema.Expression{
			schema.Text("true"),
			schema.Structured(&schema.Condition{Kind: schema.ConditionBoolean, Var: "x", Value: true}),
		},
	}
	eval(t, e, cond, map[string]any{"x": true})

	assert.Equal(t, []string{KindText, "boolean", "multi"}, obs.kinds)
}

func TestParseDate(t *testing.T) {
	for _, in := range []any{"2024-03-05", "2024-03-05T10:00", "2024-03-05 10:00:00", "2024-03-05T10:00:00.123Z", 1709632800000.0} {
		_, ok := ParseDate(in)
		assert.True(t, ok, "%v", in)
	}
	for _, in := range []any{"", "yesterday", true, nil} {
		_, ok := ParseDate(in)
		assert.False(t, ok, "%v", in)
	}

	d, ok := ParseDate("2024-03-05")
	require.True(t, ok)
	assert.Equal(t, "2024-03-05T00:00:00Z", d.Format("2006-01-02T15:04:05Z07:00"))
}
