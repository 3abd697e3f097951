package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
)

// SaveRulebook stores the rulebook under its content hash. Saving the same
// rulebook again is a no-op.
func SaveRulebook(ctx context.Context, pool *pgxpool.Pool, rb *rulebook.Rulebook) error {
	doc, err := json.Marshal(rb.Plan())
	if err != nil {
		return fmt.Errorf("failed to encode rulebook: %w", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO rulebooks (content_hash, version, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_hash) DO NOTHING
	`, rb.ContentHash(), rb.Version(), doc)
	if err != nil {
		return fmt.Errorf("failed to save rulebook: %w", err)
	}
	return nil
}

// LoadRulebook reads a stored rulebook and checks that it still hashes to
// contentHash.
func LoadRulebook(ctx context.Context, pool *pgxpool.Pool, contentHash string) (*rulebook.Rulebook, error) {
	var doc []byte
	if err := pool.QueryRow(ctx, `SELECT document::text FROM rulebooks WHERE content_hash = $1`, contentHash).Scan(&doc); err != nil {
		return nil, fmt.Errorf("failed to load rulebook %s: %w", contentHash, err)
	}
	rb, err := rulebook.Parse(doc)
	if err != nil {
		return nil, err
	}
	if rb.ContentHash() != contentHash {
		return nil, fmt.Errorf("%w: stored %s, computed %s", rulebook.ErrRulebookCorrupted, contentHash, rb.ContentHash())
	}
	return rb, nil
}
