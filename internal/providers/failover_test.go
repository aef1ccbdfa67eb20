package providers

import (
	"context"
	"errors"
	"testing"
)

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, _ string, _ []Message, _ []ToolDef, _ Options) (*Response, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	return &Response{Content: "from " + p.name}, nil
}

func retryable(name string) error {
	return &RetryableError{Provider: name, Err: errors.New("overloaded")}
}

func permanent(name string) error {
	return &PermanentError{Provider: name, Err: errors.New("bad key")}
}

func TestFailoverUsesFirstHealthyProvider(t *testing.T) {
	primary := &scriptedProvider{name: "primary"}
	backup := &scriptedProvider{name: "backup"}
	f := NewFailover(DefaultFailoverConfig(), nil, primary, backup)

	resp, err := f.Chat(context.Background(), "", nil, nil, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q", resp.Content)
	}
	if backup.calls != 0 {
		t.Errorf("backup called %d times", backup.calls)
	}
}

func TestFailoverRotatesOnRetryable(t *testing.T) {
	primary := &scriptedProvider{name: "primary", errs: []error{retryable("primary")}}
	backup := &scriptedProvider{name: "backup"}
	f := NewFailover(DefaultFailoverConfig(), nil, primary, backup)

	resp, err := f.Chat(context.Background(), "", nil, nil, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestFailoverStopsOnPermanent(t *testing.T) {
	primary := &scriptedProvider{name: "primary", errs: []error{permanent("primary")}}
	backup := &scriptedProvider{name: "backup"}
	f := NewFailover(DefaultFailoverConfig(), nil, primary, backup)

	_, err := f.Chat(context.Background(), "", nil, nil, Options{})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	if backup.calls != 0 {
		t.Errorf("backup called after permanent error")
	}
}

func TestFailoverCircuitSkipsFlappingProvider(t *testing.T) {
	primary := &scriptedProvider{name: "primary", errs: []error{
		retryable("primary"), retryable("primary"), retryable("primary"),
	}}
	backup := &scriptedProvider{name: "backup"}
	f := NewFailover(DefaultFailoverConfig(), nil, primary, backup)

	for i := 0; i < 3; i++ {
		if _, err := f.Chat(context.Background(), "", nil, nil, Options{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// Circuit is open now; primary is not consulted while it cools down.
	if _, err := f.Chat(context.Background(), "", nil, nil, Options{}); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 3 {
		t.Errorf("primary calls = %d, want 3", primary.calls)
	}
}

func TestFailoverExhaustedChain(t *testing.T) {
	only := &scriptedProvider{name: "only", errs: []error{retryable("only")}}
	f := NewFailover(DefaultFailoverConfig(), nil, only)

	_, err := f.Chat(context.Background(), "", nil, nil, Options{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		msg       string
		retryable bool
	}{
		{"rate limited", 429, "too many requests", true},
		{"server error", 500, "internal", true},
		{"auth", 401, "invalid key", false},
		{"bad request", 400, "malformed", false},
		{"sniffed rate limit", 0, "rate limit exceeded", true},
		{"sniffed timeout", 0, "request timeout", true},
		{"unknown", 0, "something else", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("test", tc.status, errors.New(tc.msg))
			if got := IsRetryable(err); got != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestClassifyPassesThroughContextErrors(t *testing.T) {
	err := classify("test", 0, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if IsRetryable(err) {
		t.Error("context cancellation must not be retryable")
	}
}
