// Package trustmark implements the trust-mark lifecycle engine: issue,
// renew, update, look up, and report status of trust marks (spec.md §4.5).
package trustmark

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/internal/store"
)

type repo interface {
	GetTrustMarkTypeByID(ctx context.Context, id uuid.UUID) (*store.TrustMarkType, error)
	GetTrustMarkByTypeAndDomain(ctx context.Context, tmtID uuid.UUID, domain string) (*store.TrustMark, error)
	CreateTrustMark(ctx context.Context, m *store.TrustMark) error
	UpdateTrustMark(ctx context.Context, m *store.TrustMark) error
	ListActiveTrustMarks(ctx context.Context) ([]*store.TrustMark, error)
}

type cache interface {
	HSet(ctx context.Context, hashKey, field, value string) error
	SAdd(ctx context.Context, setKey string, members ...string) error
	SRem(ctx context.Context, setKey string, members ...string) error
	HGet(ctx context.Context, hashKey, field string) (string, bool, error)
}

type keyProvider interface {
	ActivePrivateSigningKey() jwk.Key
}

// IssueOverrides carries the caller-supplied overrides to CreateTrustMark,
// each zero-valued field meaning "use the TrustMarkType's default".
type IssueOverrides struct {
	ValidForHours    int
	RenewalTimeHours int
	Autorenew        bool
	AdditionalClaims jsonval.Value
}

// Service implements the trust-mark lifecycle engine in the same shape as
// internal/admission.Service.
type Service struct {
	repo              repo
	cache             cache
	keys              keyProvider
	signer            *signer.Signer
	logger            *zap.Logger
	taDomain          string
	trustmarkProvider string
}

// Config configures a Service at construction.
type Config struct {
	TADomain          string
	TrustmarkProvider string
}

// New builds a Service.
func New(r repo, c cache, keys keyProvider, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:              r,
		cache:             c,
		keys:              keys,
		signer:            signer.New(),
		logger:            logger,
		taDomain:          cfg.TADomain,
		trustmarkProvider: cfg.TrustmarkProvider,
	}
}

// CreateTrustMark issues a trust mark of type tmtID for domain, per spec.md
// §4.5's "Issue" operation.
func (s *Service) CreateTrustMark(ctx context.Context, tmtID uuid.UUID, domain string, overrides IssueOverrides) (*store.TrustMark, error) {
	tmt, err := s.repo.GetTrustMarkTypeByID(ctx, tmtID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ferrors.New(ferrors.TypeNotFound, "trust mark type not found")
		}
		return nil, fmt.Errorf("trustmark: load type: %w", err)
	}

	validFor := overrides.ValidForHours
	if validFor == 0 {
		validFor = tmt.ValidForHours
	}
	renewalTime := overrides.RenewalTimeHours
	if renewalTime == 0 {
		renewalTime = tmt.RenewalTimeHours
	}
	if validFor > tmt.ValidForHours || renewalTime > tmt.RenewalTimeHours {
		return nil, ferrors.New(ferrors.LimitExceeded, "valid_for/renewal_time exceeds trust mark type limit")
	}

	if existing, err := s.repo.GetTrustMarkByTypeAndDomain(ctx, tmtID, domain); err == nil {
		return existing, ferrors.New(ferrors.AlreadyExists, "trust mark already issued for domain").WithPayload(existing)
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("trustmark: check existing: %w", err)
	}

	m := &store.TrustMark{
		TMTID:            tmtID,
		TMType:           tmt.TMType,
		Domain:           domain,
		Active:           true,
		Autorenew:        overrides.Autorenew || tmt.Autorenew,
		ValidForHours:    validFor,
		RenewalTimeHours: renewalTime,
		AdditionalClaims: overrides.AdditionalClaims,
	}

	jws, expireAt, err := s.sign(m)
	if err != nil {
		return nil, err
	}
	m.Mark = &jws
	m.ExpireAt = expireAt

	if err := s.repo.CreateTrustMark(ctx, m); err != nil {
		if err == store.ErrAlreadyExists {
			return nil, ferrors.New(ferrors.AlreadyExists, "trust mark already issued for domain")
		}
		return nil, fmt.Errorf("trustmark: persist: %w", err)
	}

	if err := s.publish(ctx, m); err != nil {
		s.logger.Warn("trustmark: publish to cache failed", zap.String("domain", domain), zap.Error(err))
	}
	s.logger.Info("trustmark: issued", zap.String("domain", domain), zap.String("tmtype", tmt.TMType))
	return m, nil
}

// RenewTrustMark re-signs m with a fresh iat/exp and republishes it.
func (s *Service) RenewTrustMark(ctx context.Context, m *store.TrustMark) (*store.TrustMark, error) {
	jws, expireAt, err := s.sign(m)
	if err != nil {
		return nil, err
	}
	m.Mark = &jws
	m.ExpireAt = expireAt
	m.Active = true

	if err := s.repo.UpdateTrustMark(ctx, m); err != nil {
		return nil, fmt.Errorf("trustmark: renew: %w", err)
	}
	if err := s.publish(ctx, m); err != nil {
		s.logger.Warn("trustmark: publish to cache failed", zap.String("domain", m.Domain), zap.Error(err))
	}
	return m, nil
}

// UpdateTrustMarkRequest carries the only mutable fields of a trust mark,
// per spec.md §4.5's "Update" operation.
type UpdateTrustMarkRequest struct {
	Autorenew        *bool
	Active           *bool
	AdditionalClaims *jsonval.Value
}

// UpdateTrustMark applies req to m. Setting Active=false revokes: clears
// mark, writes the literal cache string "revoked", and drops domain from
// the per-type subject set. Changing AdditionalClaims re-signs.
func (s *Service) UpdateTrustMark(ctx context.Context, m *store.TrustMark, req UpdateTrustMarkRequest) (*store.TrustMark, error) {
	if req.Autorenew != nil {
		m.Autorenew = *req.Autorenew
	}

	resign := false
	if req.AdditionalClaims != nil {
		m.AdditionalClaims = *req.AdditionalClaims
		resign = true
	}

	if req.Active != nil && !*req.Active && m.Active {
		m.Active = false
		m.Mark = nil
		if err := s.repo.UpdateTrustMark(ctx, m); err != nil {
			return nil, fmt.Errorf("trustmark: revoke: %w", err)
		}
		if err := s.cache.HSet(ctx, cachestore.TrustMarkHashKey(m.Domain), m.TMType, cachestore.TrustMarkRevoked); err != nil {
			s.logger.Warn("trustmark: revoke cache write failed", zap.String("domain", m.Domain), zap.Error(err))
		}
		if err := s.cache.SRem(ctx, cachestore.TrustMarkTypeSetKey(m.TMType), m.Domain); err != nil {
			s.logger.Warn("trustmark: revoke set removal failed", zap.String("domain", m.Domain), zap.Error(err))
		}
		return m, nil
	}

	if req.Active != nil && *req.Active {
		m.Active = true
	}

	if resign && m.Active {
		jws, expireAt, err := s.sign(m)
		if err != nil {
			return nil, err
		}
		m.Mark = &jws
		m.ExpireAt = expireAt
	}

	if err := s.repo.UpdateTrustMark(ctx, m); err != nil {
		return nil, fmt.Errorf("trustmark: update: %w", err)
	}
	if m.Active {
		if err := s.publish(ctx, m); err != nil {
			s.logger.Warn("trustmark: publish to cache failed", zap.String("domain", m.Domain), zap.Error(err))
		}
	}
	return m, nil
}

// GetTrustMarkRecord loads the durable trust-mark row for (tmtID, domain),
// for admin handlers that need the current row before mutating it.
func (s *Service) GetTrustMarkRecord(ctx context.Context, tmtID uuid.UUID, domain string) (*store.TrustMark, error) {
	return s.repo.GetTrustMarkByTypeAndDomain(ctx, tmtID, domain)
}

// GetTrustMarkType loads a trust mark type by ID, for admin handlers issuing
// against it.
func (s *Service) GetTrustMarkType(ctx context.Context, id uuid.UUID) (*store.TrustMarkType, error) {
	return s.repo.GetTrustMarkTypeByID(ctx, id)
}

// GetTrustMark returns the cached value verbatim at trust-mark-by-(domain,
// tmtype): "" with found=false (never issued), cachestore.TrustMarkRevoked, or a
// JWS (active).
func (s *Service) GetTrustMark(ctx context.Context, domain, tmtype string) (value string, found bool, err error) {
	return s.cache.HGet(ctx, cachestore.TrustMarkHashKey(domain), tmtype)
}

// TrustMarkStatus implements spec.md §4.5's trust_mark_status(jws): always
// succeeds, returning a signed assertion of active/invalid.
func (s *Service) TrustMarkStatus(ctx context.Context, submittedJWS string) (string, error) {
	status := "invalid"

	claims, parseErr := parseUnverified(submittedJWS)
	if parseErr == nil {
		sub := claims.Get("sub").Str
		tmtype := claims.Get("trust_mark_type").Str
		if sub != "" && tmtype != "" {
			cached, ok, err := s.cache.HGet(ctx, cachestore.TrustMarkHashKey(sub), tmtype)
			if err == nil && ok && cached == submittedJWS {
				status = "active"
			}
		}
	}

	now := time.Now().UTC()
	respClaims := jsonval.Object().
		Set("iss", jsonval.String(s.taDomain)).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("status", jsonval.String(status)).
		Set("trust_mark", jsonval.String(submittedJWS))

	return s.signer.Sign(respClaims, s.keys.ActivePrivateSigningKey(), "trust-mark-status+jwt")
}

// ReloadIssuedTrustMarks re-signs and republishes every active trust mark
// row to cache on startup. Grounded on
// original_source/admin/trustmarks/management/commands/reload_issued_tms.py.
func (s *Service) ReloadIssuedTrustMarks(ctx context.Context) error {
	marks, err := s.repo.ListActiveTrustMarks(ctx)
	if err != nil {
		return fmt.Errorf("reload issued trust marks: list: %w", err)
	}
	for _, m := range marks {
		if _, err := s.RenewTrustMark(ctx, m); err != nil {
			s.logger.Warn("reload: renew failed", zap.String("domain", m.Domain), zap.Error(err))
			continue
		}
	}
	s.logger.Info("reload: republished active trust marks", zap.Int("count", len(marks)))
	return nil
}

func (s *Service) sign(m *store.TrustMark) (jws string, expireAt time.Time, err error) {
	now := time.Now().UTC()
	expireAt = now.Add(time.Duration(m.ValidForHours) * time.Hour)

	claims := jsonval.Object().
		Set("iss", jsonval.String(s.trustmarkProvider)).
		Set("sub", jsonval.String(m.Domain)).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("exp", jsonval.Number(float64(expireAt.Unix()))).
		Set("trust_mark_type", jsonval.String(m.TMType))

	for _, k := range m.AdditionalClaims.Keys() {
		claims = claims.Set(k, m.AdditionalClaims.Get(k))
	}

	token, err := s.signer.Sign(claims, s.keys.ActivePrivateSigningKey(), "trust-mark+jwt")
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expireAt, nil
}

// publish writes the active mark into cache, adds domain to the per-type
// subject set, and adds sha256(jws) to the all-time issued set.
func (s *Service) publish(ctx context.Context, m *store.TrustMark) error {
	if m.Mark == nil {
		return nil
	}
	if err := s.cache.HSet(ctx, cachestore.TrustMarkHashKey(m.Domain), m.TMType, *m.Mark); err != nil {
		return err
	}
	if err := s.cache.SAdd(ctx, cachestore.TrustMarkTypeSetKey(m.TMType), m.Domain); err != nil {
		return err
	}
	return s.cache.SAdd(ctx, cachestore.KeyTrustMarkAllTime, sha256Hex(*m.Mark))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// parseUnverified decodes a JWS's payload without verifying its signature,
// enough to extract sub/trust_mark_type for the status lookup key. Status
// reporting must accept malformed/tampered input and answer "invalid"
// rather than erroring, per spec.md §4.8.
func parseUnverified(token string) (jsonval.Value, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return jsonval.Value{}, err
	}
	return jsonval.Parse(msg.Payload())
}
