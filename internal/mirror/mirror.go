// Package mirror copies the identity table into PostgreSQL so other tools can query it.
// The JSON file and the image directory stay authoritative; the mirror is rebuilt from them.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// DescriptorDim is the length of the descriptor column.
const DescriptorDim = 1024

// Identity is one mirrored row.
type Identity struct {
	ID         string
	Name       string
	LastSeen   time.Time // zero is stored as NULL
	Descriptor []float32 // nil is stored as NULL
}

// Neighbor is a row returned by a descriptor search.
type Neighbor struct {
	ID       string
	Name     string
	Distance float64
}

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			last_seen TIMESTAMPTZ,
			descriptor VECTOR(%d),
			synced_at TIMESTAMPTZ DEFAULT NOW()
		);
	`, DescriptorDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Upsert inserts or updates every identity in one transaction.
func (s *Store) Upsert(ctx context.Context, ids []Identity) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		var lastSeen *time.Time
		if !id.LastSeen.IsZero() {
			lastSeen = &id.LastSeen
		}
		var desc *pgvector.Vector
		if id.Descriptor != nil {
			if len(id.Descriptor) != DescriptorDim {
				return fmt.Errorf("descriptor of %s has %d values, want %d", id.ID, len(id.Descriptor), DescriptorDim)
			}
			v := pgvector.NewVector(id.Descriptor)
			desc = &v
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO identities (id, name, last_seen, descriptor, synced_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				last_seen = EXCLUDED.last_seen,
				descriptor = COALESCE(EXCLUDED.descriptor, identities.descriptor),
				synced_at = NOW()
		`, id.ID, id.Name, lastSeen, desc)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", id.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// Prune deletes rows whose id is not in keep and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{} // a NULL array would match nothing
	}
	tag, err := s.conn.Exec(ctx, "DELETE FROM identities WHERE NOT (id = ANY($1))", keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListIdentities returns every mirrored row ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.conn.Query(ctx, `SELECT id, name, last_seen, descriptor FROM identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			id       Identity
			lastSeen *time.Time
			desc     *pgvector.Vector
		)
		if err := rows.Scan(&id.ID, &id.Name, &lastSeen, &desc); err != nil {
			return nil, err
		}
		if lastSeen != nil {
			id.LastSeen = *lastSeen
		}
		if desc != nil {
			id.Descriptor = desc.Slice()
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindNearest returns up to k identities ordered by Euclidean distance to descriptor.
func (s *Store) FindNearest(ctx context.Context, descriptor []float32, k int) ([]Neighbor, error) {
	if len(descriptor) != DescriptorDim {
		return nil, errors.New("descriptor has the wrong dimension")
	}
	// <-> is the L2 distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, descriptor <-> $1 AS distance
		FROM identities
		WHERE descriptor IS NOT NULL
		ORDER BY distance ASC
		LIMIT $2
	`, pgvector.NewVector(descriptor), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Name, &n.Distance); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Reset drops the mirror table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS identities CASCADE;`)
	return err
}
