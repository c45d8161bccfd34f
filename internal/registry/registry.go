// Package registry records which resources have been deployed, where, and
// how far their lifecycle has progressed. It is the single source of truth
// for deployed addresses; every write is durable before Put returns.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a resource.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCreated    Status = "created"
	StatusConfigured Status = "configured"
	StatusVerified   Status = "verified"
)

// rank orders statuses; transitions only move to a higher rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusCreated:
		return 2
	case StatusConfigured:
		return 3
	case StatusVerified:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at or beyond other.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Sentinel errors - Registry
var (
	ErrNotFound          = errors.New("registry: entry not found")
	ErrInvalidEntry      = errors.New("registry: invalid entry")
	ErrStatusRegression  = errors.New("registry: status cannot move backwards")
	ErrAddressImmutable  = errors.New("registry: address of a created resource cannot change")
	ErrPersist           = errors.New("registry: failed to persist")
	ErrCorrupted         = errors.New("registry: store corrupted")
	ErrLeaseHeld         = errors.New("registry: run lease held by another owner")
	ErrLeaseLost         = errors.New("registry: run lease lost")
	ErrNetworkMismatch   = errors.New("registry: network mismatch")
	ErrUnsupportedFormat = errors.New("registry: unsupported store version")
)

// Entry is the record of one resource.
type Entry struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
	Status  Status `json:"status"`
	// ActionsDone counts completed post-actions; a configure step resumes
	// from this index.
	ActionsDone int `json:"actionsDone,omitempty"`
	// PredictedAddress is recorded while creation is in flight so that an
	// interrupted run can adopt the resource instead of creating it twice.
	PredictedAddress string `json:"predictedAddress,omitempty"`
	// PendingNonce is the account nonce of the in-flight creation. Retries
	// reuse it, so only one creation can land.
	PendingNonce *uint64   `json:"pendingNonce,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Registry is the durable name to entry store.
type Registry interface {
	// Get returns the entry for name. The boolean is false when absent.
	Get(ctx context.Context, name string) (Entry, bool, error)
	// Put inserts or replaces an entry and persists it before returning.
	Put(ctx context.Context, e Entry) error
	// All returns every entry sorted by name.
	All(ctx context.Context) ([]Entry, error)
}

// NetworkBinder is implemented by registries that pin themselves to one
// chain, refusing to serve addresses recorded on another.
type NetworkBinder interface {
	BindNetwork(ctx context.Context, network string) error
	// BoundNetwork returns the bound chain, empty until the first run.
	BoundNetwork(ctx context.Context) (string, error)
}

// CheckTransition validates replacing prev with next. Backends call it
// under their write lock.
func CheckTransition(prev *Entry, next Entry) error {
	if next.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntry)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("%w: %s has unknown status %q", ErrInvalidEntry, next.Name, next.Status)
	}
	if next.Status.AtLeast(StatusCreated) && next.Address == "" {
		return fmt.Errorf("%w: %s is %s without an address", ErrInvalidEntry, next.Name, next.Status)
	}
	if prev == nil {
		return nil
	}
	if !next.Status.AtLeast(prev.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrStatusRegression, next.Name, prev.Status, next.Status)
	}
	if prev.Status.AtLeast(StatusCreated) && !strings.EqualFold(prev.Address, next.Address) {
		return fmt.Errorf("%w: %s %s -> %s", ErrAddressImmutable, next.Name, prev.Address, next.Address)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// Names returns the names of entries at or beyond status.
func Names(ctx context.Context, r Registry, status Status) ([]string, error) {
	entries, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Status.AtLeast(status) {
			out = append(out, e.Name)
		}
	}
	return out, nil
}
