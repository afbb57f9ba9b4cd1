// Package store persists provider configurations and an invocation audit
// trail in SQLite, so registered providers survive a process restart and
// recent tool activity can be inspected after the fact.
package store

import (
	"context"
	"time"
)

// StatusSuccess marks an audited invocation that returned a result.
// Failed invocations carry the provider error kind instead.
const StatusSuccess = "success"

// ProviderRecord is one persisted provider configuration document.
type ProviderRecord struct {
	Identifier string    `json:"identifier"`
	Payload    []byte    `json:"payload"`
	AddedAt    time.Time `json:"added_at"`
}

// InvocationRecord is one audited tool invocation.
type InvocationRecord struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Capability string    `json:"capability"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store abstracts persistence for the toolset server. Callers treat a nil
// Store as "run memory-only" and skip persistence entirely.
type Store interface {
	SaveProvider(ctx context.Context, identifier string, payload []byte) error
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
	DeleteProvider(ctx context.Context, identifier string) error
	AppendInvocation(ctx context.Context, record InvocationRecord) error
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
