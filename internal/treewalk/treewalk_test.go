package treewalk

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/signer"
)

type fakeCache struct {
	hashes map[string]map[string]string
	sets   map[string]map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{hashes: map[string]map[string]string{}, sets: map[string]map[string]bool{}}
}

func (c *fakeCache) HSet(ctx context.Context, hashKey, field, value string) error {
	if c.hashes[hashKey] == nil {
		c.hashes[hashKey] = map[string]string{}
	}
	c.hashes[hashKey][field] = value
	return nil
}

func (c *fakeCache) SAdd(ctx context.Context, setKey string, members ...string) error {
	if c.sets[setKey] == nil {
		c.sets[setKey] = map[string]bool{}
	}
	for _, m := range members {
		c.sets[setKey][m] = true
	}
	return nil
}

func (c *fakeCache) RPop(ctx context.Context, listKey string) (string, bool, error) {
	return "", false, nil
}

func testKeypair(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "k1"))
	pubSet := jwk.NewSet()
	require.NoError(t, pubSet.AddKey(pub))
	return priv, pubSet
}

func TestWalkClassifiesRelyingParty(t *testing.T) {
	priv, pub := testKeypair(t)
	pubJSON, err := json.Marshal(pub)
	require.NoError(t, err)
	jwksValue, err := jsonval.Parse(pubJSON)
	require.NoError(t, err)

	claims := jsonval.Object().
		Set("jwks", jwksValue).
		Set("metadata", jsonval.Object().Set("openid_relying_party", jsonval.Object()))
	token, err := signer.New().Sign(claims, priv, "entity-statement+jwt")
	require.NoError(t, err)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(token))
	}))
	defer srv.Close()

	f := fetcher.New(0)
	f.SetHTTPClient(srv.Client())
	cache := newFakeCache()
	walker := New(cache, f, zap.NewNop())

	walker.Walk(context.Background(), srv.URL)

	require.True(t, cache.sets["rp"][srv.URL])
	require.NotEmpty(t, cache.hashes["entity_id"][srv.URL])
}

func TestWalkSkipsUnreachableEntity(t *testing.T) {
	f := fetcher.New(0)
	cache := newFakeCache()
	walker := New(cache, f, zap.NewNop())

	walker.Walk(context.Background(), "https://does-not-resolve.invalid")

	require.Empty(t, cache.hashes["entity_id"])
}
