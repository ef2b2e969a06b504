package timeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrlink/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &entryRepoPG{pool: pool}
}

func (r *entryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, link_id, user_id, organization_id, organization_name, resource_type, resource_id,
	category, title, summary, effective_at, synced_at, raw, search_terms, tags, capabilities`

func (r *entryRepoPG) scanRow(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.LinkID, &e.UserID, &e.OrganizationID, &e.OrganizationName, &e.ResourceType, &e.ResourceID,
		&e.Category, &e.Title, &e.Summary, &e.EffectiveAt, &e.SyncedAt, &e.Raw, &e.SearchTerms, &e.Tags, &e.Capabilities)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Upsert replaces every column of an existing row; the last write wins.
func (r *entryRepoPG) Upsert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = EntryID(e.LinkID, e.ResourceType, e.ResourceID)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO timeline_entry (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (link_id, resource_type, resource_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			organization_id = EXCLUDED.organization_id,
			organization_name = EXCLUDED.organization_name,
			category = EXCLUDED.category,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			effective_at = EXCLUDED.effective_at,
			synced_at = EXCLUDED.synced_at,
			raw = EXCLUDED.raw,
			search_terms = EXCLUDED.search_terms,
			tags = EXCLUDED.tags,
			capabilities = EXCLUDED.capabilities`,
		e.ID, e.LinkID, e.UserID, e.OrganizationID, e.OrganizationName, e.ResourceType, e.ResourceID,
		e.Category, e.Title, e.Summary, e.EffectiveAt, e.SyncedAt, e.Raw, e.SearchTerms, e.Tags, e.Capabilities)
	return err
}

func (r *entryRepoPG) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	q := db.NewQuery("timeline_entry", entryCols)
	if f.UserID != "" {
		q.Add("user_id = $%d", f.UserID)
	}
	if len(f.Categories) > 0 {
		q.Add("category = ANY($%d)", f.categoryStrings())
	}
	if len(f.LinkIDs) > 0 {
		q.Add("link_id = ANY($%d)", f.LinkIDs)
	}
	if len(f.OrganizationIDs) > 0 {
		q.Add("organization_id = ANY($%d)", f.OrganizationIDs)
	}
	if f.From != nil {
		q.Add("COALESCE(effective_at, synced_at) >= $%d", *f.From)
	}
	if f.To != nil {
		q.Add("COALESCE(effective_at, synced_at) <= $%d", *f.To)
	}
	for _, w := range f.searchWords() {
		q.Add(`EXISTS (SELECT 1 FROM unnest(search_terms) AS term WHERE term LIKE $%d ESCAPE '\')`, likePrefix(w))
	}
	q.OrderBy("COALESCE(effective_at, synced_at) DESC, id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := f.page()
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *entryRepoPG) CountByLink(ctx context.Context, linkID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM timeline_entry WHERE link_id = $1`, linkID).Scan(&n)
	return n, err
}

func (r *entryRepoPG) DeleteByLink(ctx context.Context, linkID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM timeline_entry WHERE link_id = $1`, linkID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(word string) string {
	return likeEscaper.Replace(strings.ToLower(word)) + "%"
}
