package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rendis/flowtree/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultExternalTimeout = 10 * time.Second
)

// ExternalConfig configures the fetcher behind "external" conditions.
type ExternalConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Breaker         CircuitBreakerConfig
	Client          *http.Client
}

// ExternalFetcher resolves external predicates: a bare GET whose JSON body decides the branch.
type ExternalFetcher struct {
	client  *http.Client
	maxBody int64
	breaker *CircuitBreakerRegistry
}

// NewExternalFetcher creates a fetcher, filling zero config fields with defaults.
func NewExternalFetcher(cfg ExternalConfig) *ExternalFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExternalTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ExternalFetcher{
		client:  client,
		maxBody: cfg.MaxResponseBody,
		breaker: NewCircuitBreakerRegistry(cfg.Breaker),
	}
}

// Fetch issues GET rawURL and interprets the JSON body: a boolean is used as is,
// an object with a "result" field yields that field's truthiness, and any other
// value yields its own truthiness. The HTTP status code is not consulted.
func (f *ExternalFetcher) Fetch(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "external condition: invalid url %q", rawURL)
	}

	if err := f.breaker.AllowRequest(u.Host); err != nil {
		return false, err
	}

	result, err := f.get(ctx, u.String())
	if err != nil {
		f.breaker.RecordFailure(u.Host)
		return false, err
	}
	f.breaker.RecordSuccess(u.Host)
	return result, nil
}

func (f *ExternalFetcher) get(ctx context.Context, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "external condition: build request").WithCause(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "external condition: GET %s failed", target).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "external condition: read body").WithCause(err)
	}
	if int64(len(body)) > f.maxBody {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"external condition: response exceeds %d bytes", f.maxBody)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, schema.NewError(schema.ErrCodeExecution,
			fmt.Sprintf("external condition: response from %s is not JSON", target)).WithCause(err)
	}
	return interpretExternal(decoded), nil
}

func interpretExternal(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	if obj, ok := v.(map[string]any); ok {
		if r, has := obj["result"]; has {
			return Truthy(r)
		}
	}
	return Truthy(v)
}
