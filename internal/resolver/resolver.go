// Package resolver implements the trust-chain resolver: for a subject and
// trust anchor it builds the chain bottom-up, applies policy and
// forced-metadata overrides, and signs a resolution response (spec.md §4.6).
package resolver

import (
	"context"
	"math"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/policy"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/pkg/entityid"
)

type subordinateRepo interface {
	GetSubordinateByEntityID(ctx context.Context, entityID string) (*store.Subordinate, error)
}

type keyProvider interface {
	ActivePrivateSigningKey() jwk.Key
}

// Config holds resolver configuration.
type Config struct {
	TADomain          string
	Policy            jsonval.Value // TA_POLICY, the same metadata policy document applied at admission (spec.md §4.2)
	TAEntityConfigJWS func() string // current TA self-signed entity configuration JWS
}

// Service implements the trust-chain resolver.
type Service struct {
	cfg     Config
	repo    subordinateRepo
	fetcher *fetcher.Fetcher
	keys    keyProvider
	signer  *signer.Signer
	logger  *zap.Logger
}

// New creates a resolver Service.
func New(cfg Config, repo subordinateRepo, f *fetcher.Fetcher, keys keyProvider, logger *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		repo:    repo,
		fetcher: f,
		keys:    keys,
		signer:  signer.New(),
		logger:  logger,
	}
}

// chainLink is one signed statement in the trust chain plus its decoded
// claims, so exp can be read back without re-parsing.
type chainLink struct {
	jws    string
	claims jsonval.Value
}

func (l chainLink) exp() float64 { return l.claims.Get("exp").Number }

// Resolve implements spec.md §4.6's resolve(sub, trust_anchor, entity_types).
// trustAnchor is accepted for interface parity with the original operation
// signature; this deployment resolves only against its own TA_DOMAIN chain,
// so a mismatched trustAnchor fails with ChainIncomplete.
func (s *Service) Resolve(ctx context.Context, sub, trustAnchor string, entityTypes []string) (string, error) {
	if trustAnchor != "" && trustAnchor != s.cfg.TADomain {
		return "", ferrors.New(ferrors.ChainIncomplete, "unknown trust anchor")
	}

	subID, err := entityid.Parse(sub)
	if err != nil {
		return "", ferrors.Wrap(ferrors.ChainIncomplete, "invalid subject identifier", err)
	}

	subConfigJWS, _, subClaims, err := s.fetcher.FetchAndSelfVerify(ctx, subID)
	if err != nil {
		return "", ferrors.Wrap(ferrors.ChainIncomplete, "fetch subject entity configuration", err)
	}

	subordinate, err := s.repo.GetSubordinateByEntityID(ctx, sub)
	if err != nil {
		return "", ferrors.Wrap(ferrors.ChainIncomplete, "subject has no subordinate statement", err)
	}
	subStatementClaims, err := s.decodeStatement(subordinate.Statement)
	if err != nil {
		return "", ferrors.Wrap(ferrors.ChainIncomplete, "decode subordinate statement", err)
	}

	taConfigJWS := ""
	if s.cfg.TAEntityConfigJWS != nil {
		taConfigJWS = s.cfg.TAEntityConfigJWS()
	}
	taClaims, err := s.decodeStatement(taConfigJWS)
	if err != nil {
		return "", ferrors.Wrap(ferrors.ChainIncomplete, "decode trust anchor entity configuration", err)
	}

	chain := []chainLink{
		{jws: subConfigJWS, claims: subClaims},
		{jws: subordinate.Statement, claims: subStatementClaims},
		{jws: taConfigJWS, claims: taClaims},
	}

	effectiveMetadata, err := s.effectiveMetadata(subClaims, subordinate)
	if err != nil {
		return "", err
	}
	effectiveMetadata = filterEntityTypes(effectiveMetadata, entityTypes)

	exp := math.Inf(1)
	for _, link := range chain {
		if v := link.exp(); v > 0 && v < exp {
			exp = v
		}
	}

	now := time.Now().UTC()
	trustChain := jsonval.Array(
		jsonval.String(chain[0].jws),
		jsonval.String(chain[1].jws),
		jsonval.String(chain[2].jws),
	)

	respClaims := jsonval.Object().
		Set("iss", jsonval.String(s.cfg.TADomain)).
		Set("sub", jsonval.String(sub)).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("exp", jsonval.Number(exp)).
		Set("metadata", effectiveMetadata).
		Set("trust_chain", trustChain)

	return s.signer.Sign(respClaims, s.keys.ActivePrivateSigningKey(), "resolve-response+jwt")
}

// effectiveMetadata starts from the subject's declared metadata, overlays
// forced_metadata from the subordinate statement (deep merge; arrays
// replace), and (re-)applies the TA policy, per spec.md §4.6 step 2.
func (s *Service) effectiveMetadata(subClaims jsonval.Value, subordinate *store.Subordinate) (jsonval.Value, error) {
	metadata := subClaims.Get("metadata")
	if metadata.IsNull() {
		metadata = jsonval.Object()
	}

	forced := subordinate.ForcedMetadata
	if !forced.IsNull() {
		metadata = jsonval.DeepMergeObjects(metadata, forced)
	}

	if s.cfg.Policy.IsNull() {
		return metadata, nil
	}
	return policy.Apply(s.cfg.Policy, metadata)
}

// filterEntityTypes retains only the requested top-level entity-type keys
// when at least one of them is present; otherwise metadata is unchanged —
// an absent requested type is not an error, per spec.md §4.6 step 3.
func filterEntityTypes(metadata jsonval.Value, entityTypes []string) jsonval.Value {
	if len(entityTypes) == 0 {
		return metadata
	}
	out := jsonval.Object()
	matched := false
	for _, et := range entityTypes {
		if v := metadata.Get(et); !v.IsNull() {
			out = out.Set(et, v)
			matched = true
		}
	}
	if !matched {
		return metadata
	}
	return out
}

// decodeStatement extracts claims from a JWS this TA itself issued (a
// subordinate statement or its own entity configuration) without
// re-verifying — these are read back from durable storage/local state we
// already trust, not fetched from an external party.
func (s *Service) decodeStatement(token string) (jsonval.Value, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "parse JWS", err)
	}
	return jsonval.Parse(msg.Payload())
}
