// Package admission implements the subordinate admission pipeline: fetch,
// self-verify, policy-check, sign, persist, publish (spec.md §4.4).
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/policy"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/pkg/entityid"
)

// subordinateRepo is the repository interface consumed by Service, narrowed
// to what admission needs; concretely implemented by *store.PostgresStore.
type subordinateRepo interface {
	CreateSubordinate(ctx context.Context, sub *store.Subordinate) error
	UpdateSubordinate(ctx context.Context, sub *store.Subordinate) error
	GetSubordinateByEntityID(ctx context.Context, entityID string) (*store.Subordinate, error)
	GetSubordinateByID(ctx context.Context, id uuid.UUID) (*store.Subordinate, error)
	ListActiveSubordinates(ctx context.Context) ([]*store.Subordinate, error)
}

// cache is the cache-store surface admission needs.
type cache interface {
	HSet(ctx context.Context, hashKey, field, value string) error
	SAdd(ctx context.Context, setKey string, members ...string) error
	LPush(ctx context.Context, listKey, value string) error
}

// AddSubordinateRequest carries the inputs to AddSubordinate / UpdateSubordinate.
type AddSubordinateRequest struct {
	EntityID         string
	DeclaredMetadata jsonval.Value
	ForcedMetadata   jsonval.Value
	JWKS             jsonval.Value
	ValidForHours    int // 0 means "use default"
	AdditionalClaims jsonval.Value
}

// Service runs the subordinate admission pipeline, structurally mirroring
// the teacher's AgentService: narrow injected interfaces, a *zap.Logger
// field, and operations whose pipeline-step failures carry a ferrors.Kind.
// Repository failures are returned as wrapped errors with no kind.
type Service struct {
	repo    subordinateRepo
	cache   cache
	fetcher *fetcher.Fetcher
	signer  *signer.Signer
	keys    keyProvider
	logger  *zap.Logger

	taDomain                   string
	taPolicy                   jsonval.Value
	subordinateDefaultValidFor int // hours
}

// keyProvider exposes the TA's active signing key, narrowed from
// *keystore.Store so admission does not depend on the whole key store.
type keyProvider interface {
	ActivePrivateSigningKey() jwk.Key
}

// Config configures a Service at construction.
type Config struct {
	TADomain                   string
	Policy                     jsonval.Value
	SubordinateDefaultValidFor int
}

// New builds a Service.
func New(repo subordinateRepo, c cache, f *fetcher.Fetcher, keys keyProvider, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:                       repo,
		cache:                      c,
		fetcher:                    f,
		signer:                     signer.New(),
		keys:                       keys,
		logger:                     logger,
		taDomain:                   cfg.TADomain,
		taPolicy:                   cfg.Policy,
		subordinateDefaultValidFor: cfg.SubordinateDefaultValidFor,
	}
}

// AddSubordinate runs spec.md §4.4 steps 1-9 and persists a new Subordinate.
func (s *Service) AddSubordinate(ctx context.Context, req AddSubordinateRequest) (*store.Subordinate, error) {
	id, err := entityid.Parse(req.EntityID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.FetchError, "invalid entity identifier", err)
	}

	token, claims, err := s.fetchVerifyAndCheck(ctx, id)
	if err != nil {
		return nil, err
	}

	mergedPolicy, err := s.mergeEntityPolicy(claims)
	if err != nil {
		return nil, err
	}

	appliedMetadata, err := policy.Apply(mergedPolicy, req.DeclaredMetadata)
	if err != nil {
		return nil, err
	}

	validFor, err := s.boundValidFor(req.ValidForHours)
	if err != nil {
		return nil, err
	}

	statement, err := s.buildAndSignSubordinateStatement(id, req, validFor)
	if err != nil {
		return nil, err
	}

	sub := &store.Subordinate{
		EntityID:         req.EntityID,
		Metadata:         appliedMetadata,
		ForcedMetadata:   req.ForcedMetadata,
		JWKS:             req.JWKS,
		ValidForHours:    validFor,
		Active:           true,
		Statement:        statement,
		AdditionalClaims: req.AdditionalClaims,
	}

	if err := s.repo.CreateSubordinate(ctx, sub); err != nil {
		if err == store.ErrAlreadyExists {
			existing, getErr := s.repo.GetSubordinateByEntityID(ctx, req.EntityID)
			if getErr != nil {
				return nil, fmt.Errorf("admission: load existing on conflict: %w", getErr)
			}
			return existing, ferrors.New(ferrors.AlreadyExists, "subordinate already registered").WithPayload(existing)
		}
		return nil, fmt.Errorf("admission: persist subordinate: %w", err)
	}

	if err := s.publish(ctx, sub, token); err != nil {
		s.logger.Warn("admission: publish to cache failed", zap.String("entityid", req.EntityID), zap.Error(err))
	}

	s.logger.Info("admission: subordinate added", zap.String("entityid", req.EntityID))
	return sub, nil
}

// UpdateSubordinate repeats admission steps 1-9 using new jwks/forced
// metadata/metadata, replacing the persisted row.
func (s *Service) UpdateSubordinate(ctx context.Context, sub *store.Subordinate, req AddSubordinateRequest) (*store.Subordinate, error) {
	id, err := entityid.Parse(sub.EntityID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.FetchError, "invalid entity identifier", err)
	}

	token, claims, err := s.fetchVerifyAndCheck(ctx, id)
	if err != nil {
		return nil, err
	}

	mergedPolicy, err := s.mergeEntityPolicy(claims)
	if err != nil {
		return nil, err
	}
	appliedMetadata, err := policy.Apply(mergedPolicy, req.DeclaredMetadata)
	if err != nil {
		return nil, err
	}
	validFor, err := s.boundValidFor(req.ValidForHours)
	if err != nil {
		return nil, err
	}

	statement, err := s.buildAndSignSubordinateStatement(id, req, validFor)
	if err != nil {
		return nil, err
	}

	sub.Metadata = appliedMetadata
	sub.ForcedMetadata = req.ForcedMetadata
	sub.JWKS = req.JWKS
	sub.ValidForHours = validFor
	sub.Statement = statement
	sub.AdditionalClaims = req.AdditionalClaims

	if err := s.repo.UpdateSubordinate(ctx, sub); err != nil {
		return nil, fmt.Errorf("admission: update subordinate: %w", err)
	}

	if err := s.publish(ctx, sub, token); err != nil {
		s.logger.Warn("admission: publish to cache failed", zap.String("entityid", sub.EntityID), zap.Error(err))
	}
	return sub, nil
}

// RenewSubordinate re-fetches and re-verifies an active subordinate,
// emitting a fresh signed statement. Fails with InactiveSubordinate if the
// row is not active.
func (s *Service) RenewSubordinate(ctx context.Context, sub *store.Subordinate) (*store.Subordinate, error) {
	if !sub.Active {
		return nil, ferrors.New(ferrors.InactiveSubordinate, "cannot renew an inactive subordinate")
	}
	req := AddSubordinateRequest{
		EntityID:         sub.EntityID,
		DeclaredMetadata: sub.Metadata,
		ForcedMetadata:   sub.ForcedMetadata,
		JWKS:             sub.JWKS,
		ValidForHours:    sub.ValidForHours,
		AdditionalClaims: sub.AdditionalClaims,
	}
	return s.UpdateSubordinate(ctx, sub, req)
}

// GetSubordinateByEntityID loads a subordinate by entity ID, for admin
// handlers that need the current row before mutating it.
func (s *Service) GetSubordinateByEntityID(ctx context.Context, entityID string) (*store.Subordinate, error) {
	return s.repo.GetSubordinateByEntityID(ctx, entityID)
}

// GetSubordinateByID loads a subordinate by primary key.
func (s *Service) GetSubordinateByID(ctx context.Context, id uuid.UUID) (*store.Subordinate, error) {
	return s.repo.GetSubordinateByID(ctx, id)
}

// ReaddActiveSubordinates re-publishes every active subordinate's cached
// projection from its durable row. Grounded on
// original_source/admin/entities/management/commands/readd_subordinates.py;
// satisfies spec.md §5's "reconciler expected to re-publish active rows on
// startup".
func (s *Service) ReaddActiveSubordinates(ctx context.Context) error {
	subs, err := s.repo.ListActiveSubordinates(ctx)
	if err != nil {
		return fmt.Errorf("readd active subordinates: list: %w", err)
	}
	for _, sub := range subs {
		if err := s.republish(ctx, sub); err != nil {
			s.logger.Warn("readd: republish failed", zap.String("entityid", sub.EntityID), zap.Error(err))
			continue
		}
	}
	s.logger.Info("readd: republished active subordinates", zap.Int("count", len(subs)))
	return nil
}

func (s *Service) republish(ctx context.Context, sub *store.Subordinate) error {
	if err := s.cache.HSet(ctx, cachestore.KeySubordinates, sub.EntityID, sub.Statement); err != nil {
		return err
	}
	return classifyAndIndex(ctx, s.cache, sub.EntityID, sub.Metadata)
}

func (s *Service) fetchVerifyAndCheck(ctx context.Context, id entityid.ID) (string, jsonval.Value, error) {
	token, _, claims, err := s.fetcher.FetchAndSelfVerify(ctx, id)
	if err != nil {
		return "", jsonval.Value{}, err
	}
	if !claims.Get("authority_hints").ContainsString(s.taDomain) {
		return "", jsonval.Value{}, ferrors.New(ferrors.AuthorityHintMissing,
			fmt.Sprintf("%s is not in authority_hints", s.taDomain))
	}
	return token, claims, nil
}

func (s *Service) mergeEntityPolicy(claims jsonval.Value) (jsonval.Value, error) {
	childPolicy := claims.Get("metadata_policy")
	if childPolicy.IsNull() {
		return s.taPolicy, nil
	}
	return policy.Merge(s.taPolicy, childPolicy)
}

func (s *Service) boundValidFor(requested int) (int, error) {
	if requested == 0 {
		return s.subordinateDefaultValidFor, nil
	}
	if requested > s.subordinateDefaultValidFor {
		return 0, ferrors.New(ferrors.ValidForExceedsLimit,
			fmt.Sprintf("valid_for %d exceeds limit %d", requested, s.subordinateDefaultValidFor))
	}
	return requested, nil
}

func (s *Service) buildAndSignSubordinateStatement(id entityid.ID, req AddSubordinateRequest, validFor int) (string, error) {
	now := time.Now().UTC()
	claims := jsonval.Object().
		Set("iss", jsonval.String(s.taDomain)).
		Set("sub", jsonval.String(id.String())).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("exp", jsonval.Number(float64(now.Add(time.Duration(validFor)*time.Hour).Unix()))).
		Set("jwks", req.JWKS).
		Set("metadata_policy", s.taPolicy)

	if !req.ForcedMetadata.IsNull() && len(req.ForcedMetadata.Keys()) > 0 {
		claims = claims.Set("metadata", req.ForcedMetadata)
	}
	for _, k := range req.AdditionalClaims.Keys() {
		claims = claims.Set(k, req.AdditionalClaims.Get(k))
	}

	return s.signer.Sign(claims, s.keys.ActivePrivateSigningKey(), "entity-statement+jwt")
}

// publish writes the admitted subordinate's signed statement and verified
// entity-config JWS to cache, classifies it by metadata kind, and enqueues
// it for tree-walking (spec.md §4.4 step 9).
func (s *Service) publish(ctx context.Context, sub *store.Subordinate, entityJWS string) error {
	if err := s.cache.HSet(ctx, cachestore.KeySubordinates, sub.EntityID, sub.Statement); err != nil {
		return err
	}
	if err := s.cache.HSet(ctx, cachestore.KeySubordinatesJWT, sub.EntityID, entityJWS); err != nil {
		return err
	}
	if err := classifyAndIndex(ctx, s.cache, sub.EntityID, sub.Metadata); err != nil {
		return err
	}
	return s.cache.LPush(ctx, cachestore.KeyNewSubordinate, sub.EntityID)
}

// classifyAndIndex adds entityID to the rp/op/taia set matching the
// metadata kinds it advertises (spec.md §4.4 step 9).
func classifyAndIndex(ctx context.Context, c cache, entityID string, metadata jsonval.Value) error {
	if metadata.Has("openid_relying_party") {
		if err := c.SAdd(ctx, cachestore.KeyRP, entityID); err != nil {
			return err
		}
	}
	if metadata.Has("openid_provider") {
		if err := c.SAdd(ctx, cachestore.KeyOP, entityID); err != nil {
			return err
		}
	}
	if metadata.Has("federation_entity") {
		if err := c.SAdd(ctx, cachestore.KeyTAIA, entityID); err != nil {
			return err
		}
	}
	return nil
}
