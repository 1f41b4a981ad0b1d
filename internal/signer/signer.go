// Package signer implements the federation's multi-algorithm JWS
// signer/verifier over github.com/lestrrat-go/jwx/v2.
package signer

import (
	"crypto"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/jsonval"
)

// Signer is a stateless JWS signer/verifier. Per spec.md §9's "no
// module-level singleton" note, it carries no mutable state of its own.
type Signer struct{}

// New constructs a Signer.
func New() *Signer { return &Signer{} }

// Sign builds a compact-serialized JWS over claims, using key's declared
// algorithm and kid. Ed25519/Ed448 keys are signed with JWS alg EdDSA while
// the fully-specified algorithm is retained on the JWK itself.
func (s *Signer) Sign(claims jsonval.Value, key jwk.Key, typ string) (string, error) {
	payload, err := claims.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("signer: marshal claims: %w", err)
	}

	alg, err := signingAlgorithm(key)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}

	kid := key.KeyID()
	if kid == "" {
		thumbprint, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return "", fmt.Errorf("signer: thumbprint: %w", err)
		}
		kid = fmt.Sprintf("%x", thumbprint)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, kid); err != nil {
		return "", fmt.Errorf("signer: set kid: %w", err)
	}
	if typ != "" {
		if err := hdrs.Set(jws.TypeKey, typ); err != nil {
			return "", fmt.Errorf("signer: set typ: %w", err)
		}
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return string(signed), nil
}

// Verify parses token as a compact JWS, verifies it against keyset, and
// returns its protected headers and decoded claims.
func (s *Signer) Verify(token string, keyset jwk.Set) (jws.Headers, jsonval.Value, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "parse JWS", err)
	}
	if len(msg.Signatures()) != 1 {
		return nil, jsonval.Value{}, ferrors.New(ferrors.MalformedJws, "expected exactly one JWS signature")
	}

	payload, err := jws.Verify([]byte(token), jws.WithKeySet(keyset))
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.InvalidSignature, "verify JWS", err)
	}

	claims, err := jsonval.Parse(payload)
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "decode claims", err)
	}

	return msg.Signatures()[0].ProtectedHeaders(), claims, nil
}

// signingAlgorithm derives the JWS alg for key, mapping Ed25519/Ed448 to
// EdDSA per spec.md §4.1/§9.
func signingAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	declared, ok := key.Algorithm().(jwa.SignatureAlgorithm)
	if !ok || declared == "" {
		return inferFromKeyType(key)
	}
	switch declared {
	case jwa.EdDSA:
		return jwa.EdDSA, nil
	default:
		return declared, nil
	}
}

// inferFromKeyType covers keys that carry kty/crv but no explicit alg.
func inferFromKeyType(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch key.KeyType() {
	case jwa.RSA:
		return jwa.RS256, nil
	case jwa.EC:
		return jwa.ES256, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	default:
		return "", ferrors.New(ferrors.UnsupportedAlgorithm, fmt.Sprintf("unsupported key type %s", key.KeyType()))
	}
}
