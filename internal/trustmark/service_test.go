package trustmark

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/store"
)

type fakeRepo struct {
	types map[uuid.UUID]*store.TrustMarkType
	marks map[string]*store.TrustMark // key: tmtID.String()+"|"+domain
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{types: map[uuid.UUID]*store.TrustMarkType{}, marks: map[string]*store.TrustMark{}}
}

func key(tmtID uuid.UUID, domain string) string { return tmtID.String() + "|" + domain }

func (r *fakeRepo) GetTrustMarkTypeByID(ctx context.Context, id uuid.UUID) (*store.TrustMarkType, error) {
	t, ok := r.types[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (r *fakeRepo) GetTrustMarkByTypeAndDomain(ctx context.Context, tmtID uuid.UUID, domain string) (*store.TrustMark, error) {
	m, ok := r.marks[key(tmtID, domain)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (r *fakeRepo) CreateTrustMark(ctx context.Context, m *store.TrustMark) error {
	k := key(m.TMTID, m.Domain)
	if _, exists := r.marks[k]; exists {
		return store.ErrAlreadyExists
	}
	m.ID = uuid.New()
	r.marks[k] = m
	return nil
}

func (r *fakeRepo) UpdateTrustMark(ctx context.Context, m *store.TrustMark) error {
	r.marks[key(m.TMTID, m.Domain)] = m
	return nil
}

func (r *fakeRepo) ListActiveTrustMarks(ctx context.Context) ([]*store.TrustMark, error) {
	var out []*store.TrustMark
	for _, m := range r.marks {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

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

func (c *fakeCache) SRem(ctx context.Context, setKey string, members ...string) error {
	for _, m := range members {
		delete(c.sets[setKey], m)
	}
	return nil
}

func (c *fakeCache) HGet(ctx context.Context, hashKey, field string) (string, bool, error) {
	fields, ok := c.hashes[hashKey]
	if !ok {
		return "", false, nil
	}
	v, ok := fields[field]
	return v, ok, nil
}

type fakeKeys struct{ key jwk.Key }

func (k fakeKeys) ActivePrivateSigningKey() jwk.Key { return k.key }

func testKey(t *testing.T) jwk.Key {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	return priv
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeCache, uuid.UUID) {
	repo := newFakeRepo()
	cache := newFakeCache()
	tmtID := uuid.New()
	repo.types[tmtID] = &store.TrustMarkType{
		ID: tmtID, TMType: "https://ta.example/tm/gold",
		ValidForHours: 8760, RenewalTimeHours: 48, Active: true,
	}
	svc := New(repo, cache, fakeKeys{key: testKey(t)}, Config{
		TADomain:          "https://ta.example",
		TrustmarkProvider: "https://ta.example",
	}, zap.NewNop())
	return svc, repo, cache, tmtID
}

func TestCreateTrustMarkIssuesAndPublishes(t *testing.T) {
	svc, _, cache, tmtID := newTestService(t)

	m, err := svc.CreateTrustMark(context.Background(), tmtID, "https://child.example", IssueOverrides{
		AdditionalClaims: jsonval.Object(),
	})
	require.NoError(t, err)
	require.NotNil(t, m.Mark)
	require.Equal(t, *m.Mark, cache.hashes["tm:https://child.example"]["https://ta.example/tm/gold"])
	require.True(t, cache.sets["tmtype:https://ta.example/tm/gold"]["https://child.example"])
}

func TestCreateTrustMarkRejectsDuplicate(t *testing.T) {
	svc, _, _, tmtID := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateTrustMark(ctx, tmtID, "https://child.example", IssueOverrides{AdditionalClaims: jsonval.Object()})
	require.NoError(t, err)

	_, err = svc.CreateTrustMark(ctx, tmtID, "https://child.example", IssueOverrides{AdditionalClaims: jsonval.Object()})
	require.Error(t, err)
}

func TestCreateTrustMarkRejectsOverLimit(t *testing.T) {
	svc, _, _, tmtID := newTestService(t)
	_, err := svc.CreateTrustMark(context.Background(), tmtID, "https://child.example", IssueOverrides{
		ValidForHours:    100000,
		AdditionalClaims: jsonval.Object(),
	})
	require.Error(t, err)
}

func TestUpdateTrustMarkRevokes(t *testing.T) {
	svc, _, cache, tmtID := newTestService(t)
	ctx := context.Background()
	m, err := svc.CreateTrustMark(ctx, tmtID, "https://child.example", IssueOverrides{AdditionalClaims: jsonval.Object()})
	require.NoError(t, err)
	require.True(t, cache.sets["tmtype:https://ta.example/tm/gold"]["https://child.example"])

	inactive := false
	updated, err := svc.UpdateTrustMark(ctx, m, UpdateTrustMarkRequest{Active: &inactive})
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.Nil(t, updated.Mark)
	require.Equal(t, cachestore.TrustMarkRevoked, cache.hashes["tm:https://child.example"]["https://ta.example/tm/gold"])
	require.False(t, cache.sets["tmtype:https://ta.example/tm/gold"]["https://child.example"],
		"revoking must remove the domain from the per-type subject set")
}

func TestTrustMarkStatusInvalidOnMalformed(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	status, err := svc.TrustMarkStatus(context.Background(), "not-a-jws")
	require.NoError(t, err)
	require.NotEmpty(t, status)
}
