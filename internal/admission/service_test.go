package admission

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/internal/store"
)

type fakeRepo struct {
	byEntity map[string]*store.Subordinate
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byEntity: map[string]*store.Subordinate{}} }

func (r *fakeRepo) CreateSubordinate(ctx context.Context, sub *store.Subordinate) error {
	if _, exists := r.byEntity[sub.EntityID]; exists {
		return store.ErrAlreadyExists
	}
	sub.ID = uuid.New()
	r.byEntity[sub.EntityID] = sub
	return nil
}

func (r *fakeRepo) UpdateSubordinate(ctx context.Context, sub *store.Subordinate) error {
	r.byEntity[sub.EntityID] = sub
	return nil
}

func (r *fakeRepo) GetSubordinateByEntityID(ctx context.Context, entityID string) (*store.Subordinate, error) {
	sub, ok := r.byEntity[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub, nil
}

func (r *fakeRepo) GetSubordinateByID(ctx context.Context, id uuid.UUID) (*store.Subordinate, error) {
	for _, sub := range r.byEntity {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeRepo) ListActiveSubordinates(ctx context.Context) ([]*store.Subordinate, error) {
	var out []*store.Subordinate
	for _, sub := range r.byEntity {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeCache struct {
	hashes map[string]map[string]string
	sets   map[string]map[string]bool
	lists  map[string][]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		hashes: map[string]map[string]string{},
		sets:   map[string]map[string]bool{},
		lists:  map[string][]string{},
	}
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

func (c *fakeCache) LPush(ctx context.Context, listKey, value string) error {
	c.lists[listKey] = append([]string{value}, c.lists[listKey]...)
	return nil
}

type fakeKeys struct{ key jwk.Key }

func (k fakeKeys) ActivePrivateSigningKey() jwk.Key { return k.key }

func newEntityServer(t *testing.T, priv jwk.Key, pubSet jwk.Set, authorityHints ...string) *httptest.Server {
	t.Helper()
	pubSetJSON, err := json.Marshal(pubSet)
	require.NoError(t, err)
	jwksValue, err := jsonval.Parse(pubSetJSON)
	require.NoError(t, err)

	hints := jsonval.Array()
	for _, h := range authorityHints {
		hints.Arr = append(hints.Arr, jsonval.String(h))
	}

	claims := jsonval.Object().
		Set("jwks", jwksValue).
		Set("authority_hints", hints).
		Set("metadata_policy", jsonval.Object())

	token, err := signer.New().Sign(claims, priv, "entity-statement+jwt")
	require.NoError(t, err)

	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(token))
	}))
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

func TestAddSubordinateSucceeds(t *testing.T) {
	const taDomain = "https://ta.example"
	childPriv, childPub := testKeypair(t)
	taPriv, _ := testKeypair(t)

	srv := newEntityServer(t, childPriv, childPub, taDomain)
	defer srv.Close()

	repo := newFakeRepo()
	cache := newFakeCache()
	f := fetcher.New(0)
	f.SetHTTPClient(srv.Client())

	svc := New(repo, cache, f, fakeKeys{key: taPriv}, Config{
		TADomain:                   taDomain,
		Policy:                     jsonval.Object(),
		SubordinateDefaultValidFor: 24,
	}, zap.NewNop())

	pubJWKS, err := json.Marshal(childPub)
	require.NoError(t, err)
	jwksValue, err := jsonval.Parse(pubJWKS)
	require.NoError(t, err)

	sub, err := svc.AddSubordinate(context.Background(), AddSubordinateRequest{
		EntityID:         srv.URL,
		DeclaredMetadata: jsonval.Object(),
		JWKS:             jwksValue,
	})
	require.NoError(t, err)
	require.True(t, sub.Active)
	require.NotEmpty(t, sub.Statement)

	_, err = svc.AddSubordinate(context.Background(), AddSubordinateRequest{
		EntityID:         srv.URL,
		DeclaredMetadata: jsonval.Object(),
		JWKS:             jwksValue,
	})
	require.Error(t, err)
}

func TestAddSubordinateClassifiesByDeclaredMetadata(t *testing.T) {
	const taDomain = "https://ta.example"
	childPriv, childPub := testKeypair(t)
	taPriv, _ := testKeypair(t)

	srv := newEntityServer(t, childPriv, childPub, taDomain)
	defer srv.Close()

	repo := newFakeRepo()
	cache := newFakeCache()
	f := fetcher.New(0)
	f.SetHTTPClient(srv.Client())

	svc := New(repo, cache, f, fakeKeys{key: taPriv}, Config{
		TADomain:                   taDomain,
		Policy:                     jsonval.Object(),
		SubordinateDefaultValidFor: 24,
	}, zap.NewNop())

	pubJWKS, err := json.Marshal(childPub)
	require.NoError(t, err)
	jwksValue, err := jsonval.Parse(pubJWKS)
	require.NoError(t, err)

	declared := jsonval.Object().Set("openid_relying_party", jsonval.Object().Set("client_name", jsonval.String("child")))

	sub, err := svc.AddSubordinate(context.Background(), AddSubordinateRequest{
		EntityID:         srv.URL,
		DeclaredMetadata: declared,
		JWKS:             jwksValue,
	})
	require.NoError(t, err)
	require.True(t, cache.sets[cachestore.KeyRP][sub.EntityID], "classification must read the applied subordinate metadata, not the fetched entity config")
	require.False(t, cache.sets[cachestore.KeyOP][sub.EntityID])
}

func TestRenewSubordinateRejectsInactive(t *testing.T) {
	taPriv, _ := testKeypair(t)
	repo := newFakeRepo()
	cache := newFakeCache()
	f := fetcher.New(0)
	svc := New(repo, cache, f, fakeKeys{key: taPriv}, Config{TADomain: "https://ta.example", SubordinateDefaultValidFor: 24}, zap.NewNop())

	sub := &store.Subordinate{EntityID: "https://child.example", Active: false}
	_, err := svc.RenewSubordinate(context.Background(), sub)
	require.Error(t, err)
}
