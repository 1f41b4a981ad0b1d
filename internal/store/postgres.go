package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/jsonval"
)

// ErrNotFound is returned when a store lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned on a uniqueness violation.
var ErrAlreadyExists = errors.New("store: already exists")

// PostgresStore is the pgx/v5-backed implementation of the subordinate,
// trust-mark-type, and trust-mark repositories consumed by
// internal/admission and internal/trustmark.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// ── Subordinates ─────────────────────────────────────────────────────────

// CreateSubordinate inserts a new subordinate row, unique on entityid.
func (s *PostgresStore) CreateSubordinate(ctx context.Context, sub *Subordinate) error {
	const q = `
		INSERT INTO subordinates
			(entityid, metadata, forced_metadata, jwks, required_trustmarks,
			 valid_for, autorenew, active, statement, additional_claims, added)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING id, added`

	row := s.pool.QueryRow(ctx, q,
		sub.EntityID,
		marshalJSON(sub.Metadata),
		marshalJSON(sub.ForcedMetadata),
		marshalJSON(sub.JWKS),
		marshalJSON(sub.RequiredTrustMarks),
		sub.ValidForHours,
		sub.Autorenew,
		sub.Active,
		sub.Statement,
		marshalJSON(sub.AdditionalClaims),
	)
	if err := row.Scan(&sub.ID, &sub.Added); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create subordinate: %w", err)
	}
	return nil
}

// GetSubordinateByEntityID fetches a subordinate by its entityid.
func (s *PostgresStore) GetSubordinateByEntityID(ctx context.Context, entityID string) (*Subordinate, error) {
	const q = subordinateSelect + ` WHERE entityid = $1`
	return s.scanSubordinate(s.pool.QueryRow(ctx, q, entityID))
}

// GetSubordinateByID fetches a subordinate by its primary key.
func (s *PostgresStore) GetSubordinateByID(ctx context.Context, id uuid.UUID) (*Subordinate, error) {
	const q = subordinateSelect + ` WHERE id = $1`
	return s.scanSubordinate(s.pool.QueryRow(ctx, q, id))
}

// ListActiveSubordinates returns every active subordinate row, for the
// ReaddActiveSubordinates reconciler.
func (s *PostgresStore) ListActiveSubordinates(ctx context.Context) ([]*Subordinate, error) {
	const q = subordinateSelect + ` WHERE active = true ORDER BY added`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active subordinates: %w", err)
	}
	defer rows.Close()

	var out []*Subordinate
	for rows.Next() {
		sub, err := s.scanSubordinateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateSubordinate replaces the mutable fields of a subordinate row.
func (s *PostgresStore) UpdateSubordinate(ctx context.Context, sub *Subordinate) error {
	const q = `
		UPDATE subordinates SET
			metadata = $1, forced_metadata = $2, jwks = $3, required_trustmarks = $4,
			valid_for = $5, autorenew = $6, active = $7, statement = $8, additional_claims = $9
		WHERE id = $10`

	tag, err := s.pool.Exec(ctx, q,
		marshalJSON(sub.Metadata),
		marshalJSON(sub.ForcedMetadata),
		marshalJSON(sub.JWKS),
		marshalJSON(sub.RequiredTrustMarks),
		sub.ValidForHours,
		sub.Autorenew,
		sub.Active,
		sub.Statement,
		marshalJSON(sub.AdditionalClaims),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subordinate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const subordinateSelect = `
	SELECT id, entityid, metadata, forced_metadata, jwks, required_trustmarks,
	       valid_for, autorenew, active, statement, additional_claims, added
	FROM subordinates`

func (s *PostgresStore) scanSubordinate(row pgx.Row) (*Subordinate, error) {
	sub := &Subordinate{}
	var metadata, forcedMetadata, jwks, requiredTM, additionalClaims []byte
	err := row.Scan(
		&sub.ID, &sub.EntityID, &metadata, &forcedMetadata, &jwks, &requiredTM,
		&sub.ValidForHours, &sub.Autorenew, &sub.Active, &sub.Statement, &additionalClaims, &sub.Added,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subordinate: %w", err)
	}
	return unmarshalSubordinate(sub, metadata, forcedMetadata, jwks, requiredTM, additionalClaims)
}

func (s *PostgresStore) scanSubordinateRow(rows pgx.Rows) (*Subordinate, error) {
	sub := &Subordinate{}
	var metadata, forcedMetadata, jwks, requiredTM, additionalClaims []byte
	err := rows.Scan(
		&sub.ID, &sub.EntityID, &metadata, &forcedMetadata, &jwks, &requiredTM,
		&sub.ValidForHours, &sub.Autorenew, &sub.Active, &sub.Statement, &additionalClaims, &sub.Added,
	)
	if err != nil {
		return nil, fmt.Errorf("scan subordinate row: %w", err)
	}
	return unmarshalSubordinate(sub, metadata, forcedMetadata, jwks, requiredTM, additionalClaims)
}

func unmarshalSubordinate(sub *Subordinate, metadata, forcedMetadata, jwks, requiredTM, additionalClaims []byte) (*Subordinate, error) {
	var err error
	if sub.Metadata, err = jsonval.Parse(nonEmpty(metadata)); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if sub.ForcedMetadata, err = jsonval.Parse(nonEmpty(forcedMetadata)); err != nil {
		return nil, fmt.Errorf("decode forced_metadata: %w", err)
	}
	if sub.JWKS, err = jsonval.Parse(nonEmpty(jwks)); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if sub.RequiredTrustMarks, err = jsonval.Parse(nonEmpty(requiredTM)); err != nil {
		return nil, fmt.Errorf("decode required_trustmarks: %w", err)
	}
	if sub.AdditionalClaims, err = jsonval.Parse(nonEmpty(additionalClaims)); err != nil {
		return nil, fmt.Errorf("decode additional_claims: %w", err)
	}
	return sub, nil
}

// ── Trust mark types ─────────────────────────────────────────────────────

// CreateTrustMarkType inserts a new trust_mark_types row.
func (s *PostgresStore) CreateTrustMarkType(ctx context.Context, t *TrustMarkType) error {
	const q = `
		INSERT INTO trust_mark_types (tmtype, valid_for, renewal_time, autorenew, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	row := s.pool.QueryRow(ctx, q, t.TMType, t.ValidForHours, t.RenewalTimeHours, t.Autorenew, t.Active)
	if err := row.Scan(&t.ID); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create trust mark type: %w", err)
	}
	return nil
}

// GetTrustMarkTypeByID fetches a trust mark type by primary key.
func (s *PostgresStore) GetTrustMarkTypeByID(ctx context.Context, id uuid.UUID) (*TrustMarkType, error) {
	const q = `
		SELECT id, tmtype, valid_for, renewal_time, autorenew, active
		FROM trust_mark_types WHERE id = $1`
	t := &TrustMarkType{}
	err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.TMType, &t.ValidForHours, &t.RenewalTimeHours, &t.Autorenew, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust mark type: %w", err)
	}
	return t, nil
}

// GetTrustMarkTypeByType fetches a trust mark type by its tmtype URL.
func (s *PostgresStore) GetTrustMarkTypeByType(ctx context.Context, tmtype string) (*TrustMarkType, error) {
	const q = `
		SELECT id, tmtype, valid_for, renewal_time, autorenew, active
		FROM trust_mark_types WHERE tmtype = $1`
	t := &TrustMarkType{}
	err := s.pool.QueryRow(ctx, q, tmtype).Scan(&t.ID, &t.TMType, &t.ValidForHours, &t.RenewalTimeHours, &t.Autorenew, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust mark type: %w", err)
	}
	return t, nil
}

// ── Trust marks ──────────────────────────────────────────────────────────

// CreateTrustMark inserts a new trust_marks row, unique on (tmt, domain).
func (s *PostgresStore) CreateTrustMark(ctx context.Context, m *TrustMark) error {
	const q = `
		INSERT INTO trust_marks
			(tmt, domain, active, autorenew, valid_for, renewal_time, mark, expire_at, additional_claims)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	row := s.pool.QueryRow(ctx, q,
		m.TMTID, m.Domain, m.Active, m.Autorenew, m.ValidForHours, m.RenewalTimeHours,
		m.Mark, m.ExpireAt, marshalJSON(m.AdditionalClaims),
	)
	if err := row.Scan(&m.ID); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create trust mark: %w", err)
	}
	return nil
}

// GetTrustMarkByTypeAndDomain fetches a trust mark by (tmt, domain).
func (s *PostgresStore) GetTrustMarkByTypeAndDomain(ctx context.Context, tmtID uuid.UUID, domain string) (*TrustMark, error) {
	const q = `
		SELECT tm.id, tm.tmt, t.tmtype, tm.domain, tm.active, tm.autorenew,
		       tm.valid_for, tm.renewal_time, tm.mark, tm.expire_at, tm.additional_claims
		FROM trust_marks tm
		JOIN trust_mark_types t ON t.id = tm.tmt
		WHERE tm.tmt = $1 AND tm.domain = $2`
	return s.scanTrustMark(s.pool.QueryRow(ctx, q, tmtID, domain))
}

// UpdateTrustMark replaces the mutable fields of a trust mark row.
func (s *PostgresStore) UpdateTrustMark(ctx context.Context, m *TrustMark) error {
	const q = `
		UPDATE trust_marks SET
			active = $1, autorenew = $2, valid_for = $3, renewal_time = $4,
			mark = $5, expire_at = $6, additional_claims = $7
		WHERE id = $8`
	tag, err := s.pool.Exec(ctx, q, m.Active, m.Autorenew, m.ValidForHours, m.RenewalTimeHours,
		m.Mark, m.ExpireAt, marshalJSON(m.AdditionalClaims), m.ID)
	if err != nil {
		return fmt.Errorf("update trust mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveTrustMarks returns every active trust mark joined with its
// type's tmtype, for the ReloadIssuedTrustMarks reconciler.
func (s *PostgresStore) ListActiveTrustMarks(ctx context.Context) ([]*TrustMark, error) {
	const q = `
		SELECT tm.id, tm.tmt, t.tmtype, tm.domain, tm.active, tm.autorenew,
		       tm.valid_for, tm.renewal_time, tm.mark, tm.expire_at, tm.additional_claims
		FROM trust_marks tm
		JOIN trust_mark_types t ON t.id = tm.tmt
		WHERE tm.active = true AND tm.mark IS NOT NULL
		ORDER BY tm.expire_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active trust marks: %w", err)
	}
	defer rows.Close()

	var out []*TrustMark
	for rows.Next() {
		m := &TrustMark{}
		var additionalClaims []byte
		if err := rows.Scan(&m.ID, &m.TMTID, &m.TMType, &m.Domain, &m.Active, &m.Autorenew,
			&m.ValidForHours, &m.RenewalTimeHours, &m.Mark, &m.ExpireAt, &additionalClaims); err != nil {
			return nil, fmt.Errorf("scan trust mark row: %w", err)
		}
		claims, err := jsonval.Parse(nonEmpty(additionalClaims))
		if err != nil {
			return nil, fmt.Errorf("decode additional_claims: %w", err)
		}
		m.AdditionalClaims = claims
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanTrustMark(row pgx.Row) (*TrustMark, error) {
	m := &TrustMark{}
	var additionalClaims []byte
	err := row.Scan(&m.ID, &m.TMTID, &m.TMType, &m.Domain, &m.Active, &m.Autorenew,
		&m.ValidForHours, &m.RenewalTimeHours, &m.Mark, &m.ExpireAt, &additionalClaims)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan trust mark: %w", err)
	}
	claims, err := jsonval.Parse(nonEmpty(additionalClaims))
	if err != nil {
		return nil, fmt.Errorf("decode additional_claims: %w", err)
	}
	m.AdditionalClaims = claims
	return m, nil
}

func marshalJSON(v jsonval.Value) []byte {
	if v.IsNull() {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsCode(err, "23505"))
}

// containsCode checks a pgx error for a Postgres SQLSTATE code without
// importing pgconn directly into every call site.
func containsCode(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	for u := err; u != nil; {
		if ss, ok := u.(sqlStater); ok {
			s = ss
			break
		}
		unwrapper, ok := u.(interface{ Unwrap() error })
		if !ok {
			break
		}
		u = unwrapper.Unwrap()
	}
	return s != nil && s.SQLState() == code
}
