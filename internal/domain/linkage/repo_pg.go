package linkage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type linkRepoPG struct{ pool *pgxpool.Pool }

func NewLinkRepoPG(pool *pgxpool.Pool) LinkRepository {
	return &linkRepoPG{pool: pool}
}

func (r *linkRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const linkCols = `id, user_id, organization_id, organization_name, discovery, fhir_base_url,
	patient_identities, token_cipher, token_iv, token_tag, token_expires_at, granted_scope,
	last_sync_at, last_sync_success, last_sync_error, status, status_detail,
	capabilities, supported_resources, created_at, updated_at`

func (r *linkRepoPG) scanRow(row pgx.Row) (*LinkRecord, error) {
	var l LinkRecord
	err := row.Scan(&l.ID, &l.UserID, &l.OrganizationID, &l.OrganizationName, &l.Discovery, &l.FHIRBaseURL,
		&l.PatientIdentities, &l.Token.CipherText, &l.Token.IV, &l.Token.AuthTag, &l.TokenExpiresAt, &l.GrantedScope,
		&l.LastSyncAt, &l.LastSyncSuccess, &l.LastSyncError, &l.Status, &l.StatusDetail,
		&l.Capabilities, &l.SupportedResources, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *linkRepoPG) scanRows(rows pgx.Rows) ([]*LinkRecord, error) {
	defer rows.Close()
	var items []*LinkRecord
	for rows.Next() {
		l, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *linkRepoPG) Create(ctx context.Context, l *LinkRecord) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = StatusPending
	}
	if l.PatientIdentities == nil {
		l.PatientIdentities = []PatientIdentity{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO provider_link (id, user_id, organization_id, organization_name, discovery, fhir_base_url,
			patient_identities, token_cipher, token_iv, token_tag, token_expires_at, granted_scope,
			status, status_detail, capabilities, supported_resources)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		l.ID, l.UserID, l.OrganizationID, l.OrganizationName, l.Discovery, l.FHIRBaseURL,
		l.PatientIdentities, nilIfEmpty(l.Token.CipherText), nilIfEmpty(l.Token.IV), nilIfEmpty(l.Token.AuthTag),
		l.TokenExpiresAt, l.GrantedScope, l.Status, l.StatusDetail, l.Capabilities, l.SupportedResources,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyLinked
	}
	return err
}

func (r *linkRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LinkRecord, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+linkCols+` FROM provider_link WHERE id = $1`, id))
}

func (r *linkRepoPG) GetByUserAndOrganization(ctx context.Context, userID, organizationID string) (*LinkRecord, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+linkCols+` FROM provider_link WHERE user_id = $1 AND organization_id = $2`, userID, organizationID))
}

func (r *linkRepoPG) ListByUser(ctx context.Context, userID string) ([]*LinkRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+linkCols+` FROM provider_link WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *linkRepoPG) ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]*LinkRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+linkCols+` FROM provider_link
		WHERE status IN ('active', 'expired') AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY last_sync_at NULLS FIRST, created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *linkRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM provider_link WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *linkRepoPG) UpdateConnection(ctx context.Context, id uuid.UUID, name, fhirBaseURL string, d Discovery) error {
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET organization_name = $2, fhir_base_url = $3, discovery = $4, updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, id, name, fhirBaseURL, d)
}

func (r *linkRepoPG) UpdateToken(ctx context.Context, id uuid.UUID, sealed vault.Sealed, expiresAt *time.Time, scope string, status Status) error {
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET token_cipher = $2, token_iv = $3, token_tag = $4, token_expires_at = $5,
			granted_scope = $6, status = $7, status_detail = '', updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`,
		id, nilIfEmpty(sealed.CipherText), nilIfEmpty(sealed.IV), nilIfEmpty(sealed.AuthTag), expiresAt, scope, status)
}

func (r *linkRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, detail string) error {
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET status = $2, status_detail = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, id, status, detail)
}

func (r *linkRepoPG) UpdateSyncOutcome(ctx context.Context, id uuid.UUID, at time.Time, success bool, detail string) error {
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET last_sync_at = $2, last_sync_success = $3, last_sync_error = $4, updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, id, at, success, detail)
}

func (r *linkRepoPG) UpdateCapabilities(ctx context.Context, id uuid.UUID, caps Capabilities, supported []string) error {
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET capabilities = $2, supported_resources = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, id, caps, supported)
}

func (r *linkRepoPG) UpdatePatientIdentities(ctx context.Context, id uuid.UUID, ids []PatientIdentity) error {
	if ids == nil {
		ids = []PatientIdentity{}
	}
	return r.gatedExec(ctx, id, `
		UPDATE provider_link SET patient_identities = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, id, ids)
}

func (r *linkRepoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE provider_link SET status = 'revoked', status_detail = '',
			token_cipher = NULL, token_iv = NULL, token_tag = NULL,
			token_expires_at = NULL, granted_scope = '', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// gatedExec runs an update guarded by status <> 'revoked' and explains a
// zero-row result.
func (r *linkRepoPG) gatedExec(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status Status
	err = r.conn(ctx).QueryRow(ctx, `SELECT status FROM provider_link WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrRevoked
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
