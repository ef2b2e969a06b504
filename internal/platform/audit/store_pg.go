package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes audit entries to the link_audit table. It only ever inserts.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO link_audit (
			id, link_id, user_id, action, resource_type,
			recorded_at, success, error_detail, metadata
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,NULLIF($8,''),$9)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.LinkID, e.UserID, string(e.Action), e.ResourceType,
		e.RecordedAt, e.Success, e.Error, meta)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PGStore) ListByLink(ctx context.Context, linkID uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, link_id, user_id, action, COALESCE(resource_type, ''),
			recorded_at, success, COALESCE(error_detail, ''), metadata
		FROM link_audit
		WHERE link_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, linkID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e      Entry
			action string
			meta   []byte
		)
		if err := rows.Scan(&e.ID, &e.LinkID, &e.UserID, &action, &e.ResourceType,
			&e.RecordedAt, &e.Success, &e.Error, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Action = Action(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
