package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Lease is an advisory lock held for the duration of one run so two
// operators cannot drive the same registry at once.
type Lease interface {
	// Acquire takes the lease or fails with ErrLeaseHeld.
	Acquire(ctx context.Context) error
	// Renew extends a lease we hold, or fails with ErrLeaseLost once
	// another owner has taken it.
	Renew(ctx context.Context) error
	// Release gives the lease up. Releasing a lease held by another owner
	// is a no-op.
	Release(ctx context.Context) error
	// Owner returns the id this lease acquires under.
	Owner() string
	// TTL is how long an acquire or renew holds the lease. Zero means it
	// never expires.
	TTL() time.Duration
}

// LeaseHeldError reports the current holder of a lease.
type LeaseHeldError struct {
	Owner     string
	ExpiresAt time.Time
}

// Error implements the error interface.
func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("run lease held by %s until %s", e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

// Is matches ErrLeaseHeld.
func (e *LeaseHeldError) Is(target error) bool {
	return target == ErrLeaseHeld
}

// NewOwnerID returns a fresh lease owner id.
func NewOwnerID() string {
	return uuid.NewString()
}

// leaseRecord is the on-disk form of a file lease.
type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileLease stores the lease next to a file registry. The lease file is
// only ever created whole through a hard link, so a reader never sees a
// partial record.
type FileLease struct {
	path  string
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewFileLease creates a lease stored at path, typically "<registry>.lease".
func NewFileLease(path, owner string, ttl time.Duration) *FileLease {
	return &FileLease{path: path, owner: owner, ttl: ttl, now: time.Now}
}

// Owner implements Lease.
func (l *FileLease) Owner() string {
	return l.owner
}

// TTL implements Lease.
func (l *FileLease) TTL() time.Duration {
	return l.ttl
}

// read returns the current record and its raw bytes. A missing file gives
// a nil raw; an unreadable one gives a nil record.
func (l *FileLease) read() (*leaseRecord, []byte, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read lease: %w", err)
	}
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, raw, nil
	}
	return &rec, raw, nil
}

// staged writes our record to a private temp file and returns its path.
func (l *FileLease) staged() (string, error) {
	raw, err := json.Marshal(leaseRecord{Owner: l.owner, ExpiresAt: l.now().Add(l.ttl).UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal lease: %w", err)
	}
	tmpPath := l.path + "." + l.owner + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return "", fmt.Errorf("write lease: %w", err)
	}
	return tmpPath, nil
}

// create links a fresh record into place. It fails with os.ErrExist when
// any lease file is present.
func (l *FileLease) create() error {
	tmpPath, err := l.staged()
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	return os.Link(tmpPath, l.path)
}

// overwrite replaces a lease we already hold.
func (l *FileLease) overwrite() error {
	tmpPath, err := l.staged()
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write lease: %w", err)
	}
	return nil
}

// evictLockTTL is how old an evict lock must be before it is considered
// abandoned by a crashed process.
const evictLockTTL = time.Minute

// evict removes the lease file if it still holds the expired record. Only
// the holder of the evict lock may remove a lease; it reports whether it
// did.
func (l *FileLease) evict(expired []byte) (bool, error) {
	lock := l.path + ".evict"
	f, err := os.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		if info, serr := os.Stat(lock); serr == nil && time.Since(info.ModTime()) > evictLockTTL {
			_ = os.Remove(lock)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("evict lease: %w", err)
	}
	_ = f.Close()
	defer os.Remove(lock)

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("evict lease: %w", err)
	}
	if !bytes.Equal(raw, expired) {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("evict lease: %w", err)
	}
	return true, nil
}

// Acquire implements Lease.
func (l *FileLease) Acquire(_ context.Context) error {
	var rec *leaseRecord
	for range 8 {
		err := l.create()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("write lease: %w", err)
		}

		var raw []byte
		rec, raw, err = l.read()
		if err != nil {
			return err
		}
		switch {
		case raw == nil:
			// released since create failed
			continue
		case rec != nil && rec.Owner == l.owner:
			return l.overwrite()
		case rec != nil && l.now().Before(rec.ExpiresAt):
			return &LeaseHeldError{Owner: rec.Owner, ExpiresAt: rec.ExpiresAt}
		}

		removed, err := l.evict(raw)
		if err != nil {
			return err
		}
		if removed {
			if err := l.create(); err == nil {
				return nil
			}
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec != nil && l.now().Before(rec.ExpiresAt) {
		return &LeaseHeldError{Owner: rec.Owner, ExpiresAt: rec.ExpiresAt}
	}
	return fmt.Errorf("%w: expired lease is being taken over", ErrLeaseHeld)
}

// Renew implements Lease.
func (l *FileLease) Renew(_ context.Context) error {
	rec, _, err := l.read()
	if err != nil {
		return err
	}
	if rec == nil || rec.Owner != l.owner {
		return ErrLeaseLost
	}
	return l.overwrite()
}

// Release implements Lease.
func (l *FileLease) Release(_ context.Context) error {
	rec, _, err := l.read()
	if err != nil {
		return err
	}
	if rec == nil || rec.Owner != l.owner {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// NopLease never blocks. Used when leasing is disabled.
type NopLease struct{}

// Acquire implements Lease.
func (NopLease) Acquire(context.Context) error { return nil }

// Renew implements Lease.
func (NopLease) Renew(context.Context) error { return nil }

// Release implements Lease.
func (NopLease) Release(context.Context) error { return nil }

// Owner implements Lease.
func (NopLease) Owner() string { return "" }

// TTL implements Lease.
func (NopLease) TTL() time.Duration { return 0 }

var (
	_ Lease = (*FileLease)(nil)
	_ Lease = NopLease{}
)
