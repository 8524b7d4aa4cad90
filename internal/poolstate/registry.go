package poolstate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// Target is a pool the refresher keeps fresh
type Target struct {
	Address common.Address
	Venue   types.DEXType
	Token0  common.Address
	Token1  common.Address
	FeeBps  uint32
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS pools (
	address TEXT PRIMARY KEY,
	venue   TEXT NOT NULL,
	token0  TEXT NOT NULL DEFAULT '',
	token1  TEXT NOT NULL DEFAULT '',
	fee_bps INTEGER NOT NULL DEFAULT 0
)`

// SQLiteRegistry is the persistent list of tracked pools
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenRegistry opens (and if needed creates) the pools table at path
func OpenRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pools table: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Add inserts or replaces a tracked pool
func (r *SQLiteRegistry) Add(ctx context.Context, t Target) error {
	if !t.Venue.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVenue, t.Venue)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pools (address, venue, token0, token1, fee_bps) VALUES (?, ?, ?, ?, ?)`,
		strings.ToLower(t.Address.Hex()), string(t.Venue), tokenHex(t.Token0), tokenHex(t.Token1), t.FeeBps)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", t.Address.Hex(), err)
	}
	return nil
}

// Load returns every tracked pool in insertion order
func (r *SQLiteRegistry) Load(ctx context.Context) ([]Target, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT address, venue, token0, token1, fee_bps FROM pools ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var addr, venue, token0, token1 string
		var fee uint32
		if err := rows.Scan(&addr, &venue, &token0, &token1, &fee); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("pool row has invalid address %q", addr)
		}
		t := Target{
			Address: common.HexToAddress(addr),
			Venue:   types.DEXType(venue),
			FeeBps:  fee,
		}
		if !t.Venue.Valid() {
			return nil, fmt.Errorf("pool %s: %w: %q", addr, ErrUnknownVenue, venue)
		}
		if token0 != "" {
			t.Token0 = common.HexToAddress(token0)
		}
		if token1 != "" {
			t.Token1 = common.HexToAddress(token1)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Close closes the underlying database
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func tokenHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return strings.ToLower(a.Hex())
}

// ParseTargets turns "venue:address" strings from config into targets
func ParseTargets(specs []string) ([]Target, error) {
	targets := make([]Target, 0, len(specs))
	for _, s := range specs {
		venue, addr, ok := strings.Cut(s, ":")
		if !ok || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid pool %q, want venue:0xaddress", s)
		}
		t := Target{Address: common.HexToAddress(addr), Venue: types.DEXType(venue)}
		if !t.Venue.Valid() {
			return nil, fmt.Errorf("pool %q: %w", s, ErrUnknownVenue)
		}
		targets = append(targets, t)
	}
	return targets, nil
}
