package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry stores entries in the registry_entries table. Several
// registries can share one database; rows are keyed by (registry, name).
type PostgresRegistry struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgresRegistry creates a registry scoped to name.
func NewPostgresRegistry(pool *pgxpool.Pool, name string) *PostgresRegistry {
	return &PostgresRegistry{pool: pool, name: name}
}

const entryColumns = `name, kind, address, status, actions_done, predicted_address, pending_nonce, tx_hash, updated_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e     Entry
		nonce *int64
	)
	err := row.Scan(&e.Name, &e.Kind, &e.Address, &e.Status, &e.ActionsDone, &e.PredictedAddress, &nonce, &e.TxHash, &e.UpdatedAt)
	if nonce != nil {
		n := uint64(*nonce)
		e.PendingNonce = &n
	}
	return e, err
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, name string) (Entry, bool, error) {
	query := `SELECT ` + entryColumns + ` FROM registry_entries WHERE registry = $1 AND name = $2`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, r.name, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("GetEntry: %w", err)
	}
	return e, true, nil
}

// Put implements Registry. The transition check and the upsert run in one
// transaction holding a row lock.
func (r *PostgresRegistry) Put(ctx context.Context, e Entry) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + entryColumns + ` FROM registry_entries WHERE registry = $1 AND name = $2 FOR UPDATE`

		var prev *Entry
		p, err := scanEntry(tx.QueryRow(ctx, query, r.name, e.Name))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			prev = &p
		}

		if err := CheckTransition(prev, e); err != nil {
			return err
		}

		upsert := `
			INSERT INTO registry_entries (registry, name, kind, address, status, actions_done, predicted_address, pending_nonce, tx_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (registry, name) DO UPDATE SET
				kind = EXCLUDED.kind,
				address = EXCLUDED.address,
				status = EXCLUDED.status,
				actions_done = EXCLUDED.actions_done,
				predicted_address = EXCLUDED.predicted_address,
				pending_nonce = EXCLUDED.pending_nonce,
				tx_hash = EXCLUDED.tx_hash,
				updated_at = NOW()`

		var nonce *int64
		if e.PendingNonce != nil {
			n := int64(*e.PendingNonce)
			nonce = &n
		}
		_, err = tx.Exec(ctx, upsert, r.name, e.Name, e.Kind, e.Address, string(e.Status), e.ActionsDone, e.PredictedAddress, nonce, e.TxHash)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidEntry) || errors.Is(err, ErrStatusRegression) || errors.Is(err, ErrAddressImmutable) {
			return err
		}
		return fmt.Errorf("%w: PutEntry: %v", ErrPersist, err)
	}
	return nil
}

// All implements Registry.
func (r *PostgresRegistry) All(ctx context.Context) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM registry_entries WHERE registry = $1 ORDER BY name`

	rows, err := r.pool.Query(ctx, query, r.name)
	if err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEntries: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	return out, nil
}

// BindNetwork implements NetworkBinder.
func (r *PostgresRegistry) BindNetwork(ctx context.Context, network string) error {
	query := `
		INSERT INTO registries (name, network)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING network`

	var bound string
	if err := r.pool.QueryRow(ctx, query, r.name, network).Scan(&bound); err != nil {
		return fmt.Errorf("BindNetwork: %w", err)
	}
	if bound != network {
		return fmt.Errorf("%w: registry %s belongs to network %s, not %s", ErrNetworkMismatch, r.name, bound, network)
	}
	return nil
}

// BoundNetwork implements NetworkBinder.
func (r *PostgresRegistry) BoundNetwork(ctx context.Context) (string, error) {
	var network string
	err := r.pool.QueryRow(ctx, `SELECT network FROM registries WHERE name = $1`, r.name).Scan(&network)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("BoundNetwork: %w", err)
	}
	return network, nil
}

var (
	_ Registry      = (*PostgresRegistry)(nil)
	_ NetworkBinder = (*PostgresRegistry)(nil)
)
