package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Group names a set of routes that share a per-second budget. Counters of
// different groups never mix.
type Group string

const (
	GroupAPI     Group = "api"
	GroupWebhook Group = "webhook"
)

// Scope indicates which caller dimension the limit is counted against.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeUser
	ScopeClient
)

// Decision describes the resolved limit and the caller it applies to.
type Decision struct {
	Limit    int
	Scope    Scope
	UserID   uint64
	ClientIP string
}
