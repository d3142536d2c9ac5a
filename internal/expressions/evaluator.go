package expressions

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/rendis/flowtree/pkg/schema"
)

const (
	defaultRegexTimeout = 100 * time.Millisecond

	// KindText labels free-text expressions in observer callbacks.
	KindText = "text"
)

// Observer is notified of every condition decision. Metrics implement it.
type Observer interface {
	ObserveCondition(kind string, result bool)
}

// ConditionEvaluator decides branch conditions. It never returns an error:
// malformed input, failed lookups and engine errors are logged and yield false.
type ConditionEvaluator struct {
	engine       Engine
	fetcher      *ExternalFetcher
	logger       *slog.Logger
	observer     Observer
	regexTimeout time.Duration

	regexMu    sync.Mutex
	regexCache map[string]*regexp2.Regexp
}

// EvaluatorOption configures a ConditionEvaluator.
type EvaluatorOption func(*ConditionEvaluator)

// WithEngine sets the free-text expression engine (default: Expr).
func WithEngine(engine Engine) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.engine = engine }
}

// WithFetcher sets the fetcher used by external conditions.
func WithFetcher(f *ExternalFetcher) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.fetcher = f }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.logger = logger }
}

// WithObserver registers an observer for condition outcomes.
func WithObserver(o Observer) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.observer = o }
}

// WithRegexTimeout bounds a single regex match.
func WithRegexTimeout(d time.Duration) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.regexTimeout = d }
}

// NewConditionEvaluator creates an evaluator with the Expr dialect and a default external fetcher.
func NewConditionEvaluator(opts ...EvaluatorOption) *ConditionEvaluator {
	e := &ConditionEvaluator{regexCache: make(map[string]*regexp2.Regexp)}
	for _, opt := range opts {
		opt(e)
	}
	if e.engine == nil {
		e.engine = NewExprEngine()
	}
	if e.fetcher == nil {
		e.fetcher = NewExternalFetcher(ExternalConfig{})
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if e.regexTimeout <= 0 {
		e.regexTimeout = defaultRegexTimeout
	}
	return e
}

// Engine returns the free-text engine in use.
func (e *ConditionEvaluator) Engine() Engine { return e.engine }

// Evaluate decides an expression against data. A zero expression is false.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, expr schema.Expression, data any) bool {
	if expr.Cond != nil {
		return e.EvaluateCondition(ctx, expr.Cond, data)
	}
	if expr.Text == "" {
		return false
	}
	return e.EvaluateText(ctx, expr.Text, data)
}

// EvaluateText evaluates a free-text expression with the context's top-level
// fields bound as variables.
func (e *ConditionEvaluator) EvaluateText(ctx context.Context, text string, data any) bool {
	env, _ := data.(map[string]any)
	out, err := e.engine.Evaluate(ctx, text, env)
	result := false
	if err != nil {
		e.diagnose(ctx, KindText, "free-text condition failed", err, slog.String("expression", text))
	} else {
		result = Truthy(out)
	}
	e.observe(KindText, result)
	return result
}

// EvaluateCondition decides a structured condition against data.
func (e *ConditionEvaluator) EvaluateCondition(ctx context.Context, c *schema.Condition, data any) (result bool) {
	if c == nil {
		return false
	}
	kind := string(c.Kind)
	defer func() {
		if r := recover(); r != nil {
			e.diagnose(ctx, kind, "condition panicked", fmt.Errorf("%v", r))
			result = false
		}
		e.observe(kind, result)
	}()

	switch c.Kind {
	case schema.ConditionComparison:
		return e.comparison(ctx, c, data)
	case schema.ConditionBoolean:
		return Truthy(ResolveValue(c.Var, data)) == Truthy(c.Value)
	case schema.ConditionString:
		return e.stringMatch(ctx, c, data)
	case schema.ConditionMulti:
		return e.multi(ctx, c, data)
	case schema.ConditionDate:
		return e.date(ctx, c, data)
	case schema.ConditionRange:
		left := ToNumber(ResolveValue(c.Left, data))
		lo, hi := ToNumber(optional(c.Min)), ToNumber(optional(c.Max))
		return left >= lo && left <= hi
	case schema.ConditionRegex:
		return e.regex(ctx, c, data)
	case schema.ConditionExternal:
		return e.external(ctx, c, data)
	case schema.ConditionSwitch:
		// Switch conditions route by key in the traversal engine; as a boolean they are false.
		return false
	default:
		e.diagnose(ctx, kind, "unsupported condition kind", nil)
		return false
	}
}

func (e *ConditionEvaluator) comparison(ctx context.Context, c *schema.Condition, data any) bool {
	left := ResolveValue(c.Left, data)
	right := coerceLiteral(c.Right)
	switch c.Op {
	case ">", "<", ">=", "<=":
		return Compare(left, c.Op, right)
	case "==":
		return LooseEqual(left, right)
	case "!=":
		return !LooseEqual(left, right)
	default:
		e.diagnose(ctx, string(c.Kind), "unsupported comparison operator", nil, slog.String("op", c.Op))
		return false
	}
}

// coerceLiteral turns a string literal into a number when it is a plain
// unsigned decimal, or into a bool when it spells true/false.
func coerceLiteral(v any) any {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return Undefined
		}
		return v
	}
	if isPlainDecimal(s) {
		return stringToNumber(s)
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func isPlainDecimal(s string) bool {
	intPart, frac, hasDot := strings.Cut(s, ".")
	if !allDigits(intPart) {
		return false
	}
	return !hasDot || allDigits(frac)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (e *ConditionEvaluator) stringMatch(ctx context.Context, c *schema.Condition, data any) bool {
	leftVal := ResolveValue(c.Left, data)
	left := ""
	if !isNullish(leftVal) {
		left = ToString(leftVal)
	}
	if c.Value == nil {
		e.diagnose(ctx, string(c.Kind), "string condition has no value", nil, slog.String("op", c.Op))
		return false
	}
	val := ToString(c.Value)
	if c.CaseInsensitive {
		left = strings.ToLower(left)
		val = strings.ToLower(val)
	}
	switch c.Op {
	case "contains":
		return strings.Contains(left, val)
	case "not_contains":
		return !strings.Contains(left, val)
	case "starts_with":
		return strings.HasPrefix(left, val)
	case "ends_with":
		return strings.HasSuffix(left, val)
	case "equals":
		return left == val
	default:
		e.diagnose(ctx, string(c.Kind), "unsupported string operator", nil, slog.String("op", c.Op))
		return false
	}
}

// multi evaluates every sub-condition in order, without short-circuiting, then
// reduces with all (AND) or any (OR).
func (e *ConditionEvaluator) multi(ctx context.Context, c *schema.Condition, data any) bool {
	results := make([]bool, 0, len(c.Conds))
	for _, sub := range c.Conds {
		results = append(results, e.Evaluate(ctx, sub, data))
	}
	switch strings.ToUpper(c.Op) {
	case "AND":
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	case "OR":
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	default:
		e.diagnose(ctx, string(c.Kind), "unsupported multi operator", nil, slog.String("op", c.Op))
		return false
	}
}

func (e *ConditionEvaluator) date(ctx context.Context, c *schema.Condition, data any) bool {
	leftVal := ResolveValue(c.Left, data)
	if !Truthy(leftVal) {
		return false
	}
	left, ok := ParseDate(leftVal)
	if !ok {
		e.diagnose(ctx, string(c.Kind), "unparsable date in context", nil, slog.String("left", c.Left))
		return false
	}
	right, ok := ParseDate(c.Date)
	if !ok {
		e.diagnose(ctx, string(c.Kind), "unparsable condition date", nil, slog.String("date", c.Date))
		return false
	}
	switch c.Op {
	case "before":
		return left.Before(right)
	case "after":
		return left.After(right)
	default:
		e.diagnose(ctx, string(c.Kind), "unsupported date operator", nil, slog.String("op", c.Op))
		return false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDate interprets strings in ISO-like layouts (zone-less values are UTC)
// and numbers as epoch milliseconds.
func ParseDate(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if f, ok := numeric(v); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Time{}, false
}

func (e *ConditionEvaluator) regex(ctx context.Context, c *schema.Condition, data any) bool {
	leftVal := ResolveValue(c.Left, data)
	left := ""
	if Truthy(leftVal) {
		left = ToString(leftVal)
	}
	re, err := e.compileRegex(c.Pattern, c.Flags)
	if err != nil {
		e.diagnose(ctx, string(c.Kind), "invalid regular expression", err,
			slog.String("pattern", c.Pattern), slog.String("flags", c.Flags))
		return false
	}
	ok, err := re.MatchString(left)
	if err != nil {
		e.diagnose(ctx, string(c.Kind), "regex match failed", err, slog.String("pattern", c.Pattern))
		return false
	}
	return ok
}

func (e *ConditionEvaluator) compileRegex(pattern, flags string) (*regexp2.Regexp, error) {
	key := flags + "/" + pattern
	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexCache[key]; ok {
		return re, nil
	}

	opts, err := regexOptions(flags)
	if err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = e.regexTimeout
	e.regexCache[key] = re
	return re, nil
}

// CheckRegex reports whether pattern compiles with flags.
func CheckRegex(pattern, flags string) error {
	opts, err := regexOptions(flags)
	if err != nil {
		return err
	}
	_, err = regexp2.Compile(pattern, opts)
	return err
}

// regexOptions maps pattern flags to regexp2 options. Global, sticky, unicode
// and indices flags do not change a single test and are accepted.
func regexOptions(flags string) (regexp2.RegexOptions, error) {
	var opts regexp2.RegexOptions
	seen := make(map[rune]bool, len(flags))
	dotAll := false
	for _, f := range flags {
		if seen[f] {
			return 0, fmt.Errorf("duplicate regex flag %q", f)
		}
		seen[f] = true
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
			dotAll = true
		case 'g', 'y', 'u', 'd':
		default:
			return 0, fmt.Errorf("invalid regex flag %q", f)
		}
	}
	if !dotAll {
		opts |= regexp2.ECMAScript
	}
	return opts, nil
}

func (e *ConditionEvaluator) external(ctx context.Context, c *schema.Condition, data any) bool {
	if e.fetcher == nil {
		return false
	}
	target, err := InterpolateURL(c.URL, data)
	if err != nil {
		e.diagnose(ctx, string(c.Kind), "external url template invalid", err, slog.String("url", c.URL))
		return false
	}
	ok, err := e.fetcher.Fetch(ctx, target)
	if err != nil {
		e.diagnose(ctx, string(c.Kind), "external condition failed", err, slog.String("url", c.URL))
		return false
	}
	return ok
}

func (e *ConditionEvaluator) observe(kind string, result bool) {
	if e.observer != nil {
		e.observer.ObserveCondition(kind, result)
	}
}

func (e *ConditionEvaluator) diagnose(ctx context.Context, kind, msg string, err error, attrs ...any) {
	args := append([]any{slog.String("kind", kind)}, attrs...)
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	e.logger.WarnContext(ctx, msg, args...)
}

// optional maps a missing numeric bound to Undefined so it never matches.
func optional(v any) any {
	if v == nil {
		return Undefined
	}
	return v
}
