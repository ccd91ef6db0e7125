package hue

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

type scopeKey struct{}

// RefreshScope marks one logical request. It remembers whether a token
// refresh already happened inside it so a 401 retry cannot loop. Scopes
// are never shared between unrelated requests.
type RefreshScope struct {
	ID        string
	attempted atomic.Bool
}

// WithRefreshScope returns ctx carrying a refresh scope. An existing scope
// is reused so nested calls share the loop guard.
func WithRefreshScope(ctx context.Context) (context.Context, *RefreshScope) {
	if s := ScopeFrom(ctx); s != nil {
		return ctx, s
	}
	return NewRefreshScope(ctx)
}

// NewRefreshScope always starts a fresh scope, shadowing any parent one.
func NewRefreshScope(ctx context.Context) (context.Context, *RefreshScope) {
	s := &RefreshScope{ID: uuid.NewString()}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the scope carried by ctx, or nil.
func ScopeFrom(ctx context.Context) *RefreshScope {
	s, _ := ctx.Value(scopeKey{}).(*RefreshScope)
	return s
}

// Attempted reports whether a refresh already ran in this scope.
func (s *RefreshScope) Attempted() bool {
	return s != nil && s.attempted.Load()
}

func (s *RefreshScope) reset() {
	if s != nil {
		s.attempted.Store(false)
	}
}

func (s *RefreshScope) markAttempted() {
	if s != nil {
		s.attempted.Store(true)
	}
}

func (s *RefreshScope) id() string {
	if s == nil {
		return ""
	}
	return s.ID
}
