// Package entityconfig builds and caches the TA's own self-signed entity
// configuration — the JWS served at /.well-known/openid-federation and
// embedded as the top link of every resolved trust chain (spec.md §4.6,
// §4.8).
package entityconfig

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/keystore"
	"github.com/jmerrifield20/tafed/internal/signer"
)

// Config holds the claims that make up the TA's own entity configuration.
type Config struct {
	TADomain                string
	AuthorityHints          []string
	TrustMarks              []string // tmtype URLs the TA itself holds, per TA_TRUSTMARKS
	TrustedTrustMarkIssuers []string // TA_TRUSTED_TRUSTMARK_ISSUERS
	ExpiryDuration          time.Duration
}

// Builder produces the TA's current self-signed entity configuration,
// regenerating it once the cached copy is close to expiry rather than
// re-signing on every request.
type Builder struct {
	cfg    Config
	keys   *keystore.Store
	signer *signer.Signer

	mu        sync.Mutex
	cached    string
	cachedExp time.Time
}

// New builds a Builder.
func New(cfg Config, keys *keystore.Store) *Builder {
	return &Builder{cfg: cfg, keys: keys, signer: signer.New()}
}

// JWS returns the TA's current entity-configuration JWS, signing a fresh
// one when the cached copy is within a minute of expiry. On a signing
// failure it serves the last good copy rather than an empty response.
func (b *Builder) JWS() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != "" && time.Until(b.cachedExp) > time.Minute {
		return b.cached
	}

	token, exp, err := b.build()
	if err != nil {
		return b.cached
	}
	b.cached = token
	b.cachedExp = exp
	return b.cached
}

func (b *Builder) build() (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(b.cfg.ExpiryDuration)

	pubJWKS, err := jwksToValue(b.keys.ActivePublicKeyset())
	if err != nil {
		return "", time.Time{}, err
	}

	federationEntity := jsonval.Object().
		Set("federation_fetch_endpoint", jsonval.String(b.cfg.TADomain+"/fetch")).
		Set("federation_list_endpoint", jsonval.String(b.cfg.TADomain+"/list")).
		Set("federation_resolve_endpoint", jsonval.String(b.cfg.TADomain+"/resolve")).
		Set("federation_trust_mark_status_endpoint", jsonval.String(b.cfg.TADomain+"/trust_mark_status")).
		Set("federation_historical_keys_endpoint", jsonval.String(b.cfg.TADomain+"/historical_keys"))

	claims := jsonval.Object().
		Set("iss", jsonval.String(b.cfg.TADomain)).
		Set("sub", jsonval.String(b.cfg.TADomain)).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("exp", jsonval.Number(float64(exp.Unix()))).
		Set("jwks", pubJWKS).
		Set("metadata", jsonval.Object().Set("federation_entity", federationEntity))

	if len(b.cfg.AuthorityHints) > 0 {
		claims = claims.Set("authority_hints", stringArray(b.cfg.AuthorityHints))
	}
	if len(b.cfg.TrustMarks) > 0 {
		claims = claims.Set("trust_marks", stringArray(b.cfg.TrustMarks))
	}
	if len(b.cfg.TrustedTrustMarkIssuers) > 0 {
		claims = claims.Set("trust_mark_issuers", stringArray(b.cfg.TrustedTrustMarkIssuers))
	}

	token, err := b.signer.Sign(claims, b.keys.ActivePrivateSigningKey(), "entity-statement+jwt")
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func stringArray(ss []string) jsonval.Value {
	vals := make([]jsonval.Value, len(ss))
	for i, s := range ss {
		vals[i] = jsonval.String(s)
	}
	return jsonval.Array(vals...)
}

func jwksToValue(set jwk.Set) (jsonval.Value, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return jsonval.Value{}, err
	}
	return jsonval.Parse(raw)
}
