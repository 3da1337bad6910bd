// Package marketplace serves resale listings. The ledger is authoritative;
// the legacy index only carries display metadata and is pruned whenever
// the ledger contradicts it.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ticketchain-backend/models"
)

var ErrNotIndexed = errors.New("listing not in index")

// Index is the non-authoritative listing index, one entry per ticket. Every
// Upsert stores a new revision ID; Delete only removes the revision it names,
// so an entry republished after it was read survives a prune of the old one.
type Index interface {
	List(ctx context.Context) ([]models.LegacyListing, error)
	Get(ctx context.Context, ticketID uint64) (*models.LegacyListing, error)
	Upsert(ctx context.Context, l models.LegacyListing) (*models.LegacyListing, error)
	Delete(ctx context.Context, ticketID uint64, id uuid.UUID) error
}

// MemoryIndex is an Index for single-instance deployments and tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[uint64]models.LegacyListing
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[uint64]models.LegacyListing)}
}

func (m *MemoryIndex) List(context.Context) ([]models.LegacyListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.LegacyListing, 0, len(m.entries))
	for _, l := range m.entries {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out, nil
}

func (m *MemoryIndex) Get(_ context.Context, ticketID uint64) (*models.LegacyListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.entries[ticketID]
	if !ok {
		return nil, ErrNotIndexed
	}
	return &l, nil
}

func (m *MemoryIndex) Upsert(_ context.Context, l models.LegacyListing) (*models.LegacyListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.ID = uuid.New()
	m.entries[l.TicketID] = l
	return &l, nil
}

func (m *MemoryIndex) Delete(_ context.Context, ticketID uint64, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[ticketID]; !ok || existing.ID != id {
		return ErrNotIndexed
	}
	delete(m.entries, ticketID)
	return nil
}

// DB is the subset of *pgxpool.Pool used by PostgresIndex.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIndex stores the index in the legacy_listings table.
type PostgresIndex struct {
	db DB
}

func NewPostgresIndex(db DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

const legacyListingsSchema = `
	CREATE TABLE IF NOT EXISTS legacy_listings (
		id         UUID PRIMARY KEY,
		ticket_id  BIGINT NOT NULL UNIQUE,
		event_id   BIGINT NOT NULL,
		seller     TEXT NOT NULL,
		price_wei  NUMERIC(78, 0) NOT NULL,
		event_name TEXT NOT NULL DEFAULT '',
		location   TEXT NOT NULL DEFAULT '',
		listed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// EnsureSchema creates the table when missing.
func (p *PostgresIndex) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, legacyListingsSchema); err != nil {
		return fmt.Errorf("failed to create legacy_listings: %w", err)
	}
	return nil
}

const legacyListingColumns = `id, ticket_id, event_id, seller, price_wei::text, event_name, location, listed_at`

func scanLegacyListing(row pgx.Row) (*models.LegacyListing, error) {
	var l models.LegacyListing
	err := row.Scan(
		&l.ID,
		&l.TicketID,
		&l.EventID,
		&l.Seller,
		&l.PriceWei,
		&l.EventName,
		&l.Location,
		&l.ListedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *PostgresIndex) List(ctx context.Context) ([]models.LegacyListing, error) {
	query := `SELECT ` + legacyListingColumns + ` FROM legacy_listings ORDER BY ticket_id`

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy listings: %w", err)
	}
	defer rows.Close()

	var listings []models.LegacyListing
	for rows.Next() {
		l, err := scanLegacyListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan legacy listing: %w", err)
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read legacy listings: %w", err)
	}
	return listings, nil
}

func (p *PostgresIndex) Get(ctx context.Context, ticketID uint64) (*models.LegacyListing, error) {
	query := `SELECT ` + legacyListingColumns + ` FROM legacy_listings WHERE ticket_id = $1`

	l, err := scanLegacyListing(p.db.QueryRow(ctx, query, int64(ticketID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotIndexed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy listing: %w", err)
	}
	return l, nil
}

func (p *PostgresIndex) Upsert(ctx context.Context, l models.LegacyListing) (*models.LegacyListing, error) {
	l.ID = uuid.New()

	query := `
		INSERT INTO legacy_listings (id, ticket_id, event_id, seller, price_wei, event_name, location, listed_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (ticket_id) DO UPDATE
		SET id = EXCLUDED.id,
			event_id = EXCLUDED.event_id,
			seller = EXCLUDED.seller,
			price_wei = EXCLUDED.price_wei,
			event_name = EXCLUDED.event_name,
			location = EXCLUDED.location,
			listed_at = EXCLUDED.listed_at
		RETURNING ` + legacyListingColumns

	saved, err := scanLegacyListing(p.db.QueryRow(ctx, query,
		l.ID,
		int64(l.TicketID),
		int64(l.EventID),
		l.Seller,
		l.PriceWei,
		l.EventName,
		l.Location,
		l.ListedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert legacy listing: %w", err)
	}
	return saved, nil
}

func (p *PostgresIndex) Delete(ctx context.Context, ticketID uint64, id uuid.UUID) error {
	result, err := p.db.Exec(ctx, `DELETE FROM legacy_listings WHERE ticket_id = $1 AND id = $2`, int64(ticketID), id)
	if err != nil {
		return fmt.Errorf("failed to delete legacy listing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotIndexed
	}
	return nil
}
