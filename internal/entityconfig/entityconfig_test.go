package entityconfig

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/keystore"
	"github.com/jmerrifield20/tafed/internal/signer"
)

func testKeys(t *testing.T) *keystore.Store {
	t.Helper()
	s, err := keystore.Load("", "", zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestJWSCarriesExpectedClaims(t *testing.T) {
	keys := testKeys(t)
	b := New(Config{
		TADomain:       "https://ta.example",
		AuthorityHints: []string{"https://parent.example"},
		ExpiryDuration: time.Hour,
	}, keys)

	token := b.JWS()
	require.NotEmpty(t, token)

	sig := signer.New()
	_, claims, err := sig.Verify(token, keys.ActivePublicKeyset())
	require.NoError(t, err)

	require.Equal(t, "https://ta.example", claims.Get("iss").Str)
	require.Equal(t, "https://ta.example", claims.Get("sub").Str)

	hints := claims.Get("authority_hints")
	require.Equal(t, jsonval.KindArray, hints.Kind)
	require.True(t, hints.ContainsString("https://parent.example"))

	fetchEndpoint := claims.Get("metadata").Get("federation_entity").Get("federation_fetch_endpoint")
	require.Equal(t, "https://ta.example/fetch", fetchEndpoint.Str)
}

func TestJWSOmitsEmptyOptionalClaims(t *testing.T) {
	keys := testKeys(t)
	b := New(Config{TADomain: "https://ta.example", ExpiryDuration: time.Hour}, keys)

	sig := signer.New()
	_, claims, err := sig.Verify(b.JWS(), keys.ActivePublicKeyset())
	require.NoError(t, err)

	require.False(t, claims.Has("authority_hints"))
	require.False(t, claims.Has("trust_marks"))
	require.False(t, claims.Has("trust_mark_issuers"))
}

func TestJWSIsCachedWhenFarFromExpiry(t *testing.T) {
	keys := testKeys(t)
	b := New(Config{TADomain: "https://ta.example", ExpiryDuration: time.Hour}, keys)

	first := b.JWS()
	second := b.JWS()
	require.Equal(t, first, second)
}

func TestJWSRegeneratesNearExpiry(t *testing.T) {
	keys := testKeys(t)
	b := New(Config{TADomain: "https://ta.example", ExpiryDuration: 30 * time.Second}, keys)

	first := b.JWS()
	// iat is in whole seconds, so wait for it to advance before re-signing.
	time.Sleep(1100 * time.Millisecond)
	second := b.JWS()
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	require.NotEqual(t, first, second, "a copy within a minute of expiry should be re-signed rather than reused")
}

func TestJWSServesStaleOnSigningFailure(t *testing.T) {
	keys := testKeys(t)
	b := New(Config{TADomain: "https://ta.example", ExpiryDuration: 30 * time.Second}, keys)

	good := b.JWS()
	require.NotEmpty(t, good)

	breakKey(t, keys.ActivePrivateSigningKey())

	stale := b.JWS()
	require.Equal(t, good, stale, "a signing failure on regeneration should serve the last good copy")
}

// breakKey corrupts key's declared algorithm so any subsequent Sign call fails.
func breakKey(t *testing.T, key jwk.Key) {
	t.Helper()
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.SignatureAlgorithm("not-a-real-alg")))
}
