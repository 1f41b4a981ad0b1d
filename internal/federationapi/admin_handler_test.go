package federationapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/admission"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/internal/trustmark"
)

type adminFakeSubordinateRepo struct {
	byID     map[uuid.UUID]*store.Subordinate
	byEntity map[string]*store.Subordinate
}

func newAdminFakeSubordinateRepo() *adminFakeSubordinateRepo {
	return &adminFakeSubordinateRepo{byID: map[uuid.UUID]*store.Subordinate{}, byEntity: map[string]*store.Subordinate{}}
}

func (r *adminFakeSubordinateRepo) CreateSubordinate(ctx context.Context, sub *store.Subordinate) error {
	if _, exists := r.byEntity[sub.EntityID]; exists {
		return store.ErrAlreadyExists
	}
	sub.ID = uuid.New()
	r.byEntity[sub.EntityID] = sub
	r.byID[sub.ID] = sub
	return nil
}

func (r *adminFakeSubordinateRepo) UpdateSubordinate(ctx context.Context, sub *store.Subordinate) error {
	r.byEntity[sub.EntityID] = sub
	r.byID[sub.ID] = sub
	return nil
}

func (r *adminFakeSubordinateRepo) GetSubordinateByEntityID(ctx context.Context, entityID string) (*store.Subordinate, error) {
	sub, ok := r.byEntity[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub, nil
}

func (r *adminFakeSubordinateRepo) GetSubordinateByID(ctx context.Context, id uuid.UUID) (*store.Subordinate, error) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub, nil
}

func (r *adminFakeSubordinateRepo) ListActiveSubordinates(ctx context.Context) ([]*store.Subordinate, error) {
	var out []*store.Subordinate
	for _, sub := range r.byEntity {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

type adminFakeCache struct{}

func (c *adminFakeCache) HSet(ctx context.Context, hashKey, field, value string) error { return nil }
func (c *adminFakeCache) SAdd(ctx context.Context, setKey string, members ...string) error {
	return nil
}
func (c *adminFakeCache) LPush(ctx context.Context, listKey, value string) error { return nil }
func (c *adminFakeCache) HGet(ctx context.Context, hashKey, field string) (string, bool, error) {
	return "", false, nil
}

type adminFakeKeys struct{ key jwk.Key }

func (k adminFakeKeys) ActivePrivateSigningKey() jwk.Key { return k.key }

func testSigningKey(t *testing.T) jwk.Key {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	return priv
}

func newTestAdmission(t *testing.T) (*admission.Service, *adminFakeSubordinateRepo) {
	t.Helper()
	repo := newAdminFakeSubordinateRepo()
	svc := admission.New(repo, &adminFakeCache{}, nil, adminFakeKeys{key: testSigningKey(t)}, admission.Config{
		TADomain:                   "https://ta.example",
		Policy:                     jsonval.Object(),
		SubordinateDefaultValidFor: 24,
	}, zap.NewNop())
	return svc, repo
}

type adminFakeTMRepo struct {
	types map[uuid.UUID]*store.TrustMarkType
	marks map[string]*store.TrustMark // keyed by tmtID.String()+"|"+domain
}

func newAdminFakeTMRepo() *adminFakeTMRepo {
	return &adminFakeTMRepo{types: map[uuid.UUID]*store.TrustMarkType{}, marks: map[string]*store.TrustMark{}}
}

func tmKey(tmtID uuid.UUID, domain string) string { return tmtID.String() + "|" + domain }

func (r *adminFakeTMRepo) GetTrustMarkTypeByID(ctx context.Context, id uuid.UUID) (*store.TrustMarkType, error) {
	t, ok := r.types[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (r *adminFakeTMRepo) GetTrustMarkByTypeAndDomain(ctx context.Context, tmtID uuid.UUID, domain string) (*store.TrustMark, error) {
	m, ok := r.marks[tmKey(tmtID, domain)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (r *adminFakeTMRepo) CreateTrustMark(ctx context.Context, m *store.TrustMark) error {
	k := tmKey(m.TMTID, m.Domain)
	if _, exists := r.marks[k]; exists {
		return store.ErrAlreadyExists
	}
	m.ID = uuid.New()
	r.marks[k] = m
	return nil
}

func (r *adminFakeTMRepo) UpdateTrustMark(ctx context.Context, m *store.TrustMark) error {
	r.marks[tmKey(m.TMTID, m.Domain)] = m
	return nil
}

func (r *adminFakeTMRepo) ListActiveTrustMarks(ctx context.Context) ([]*store.TrustMark, error) {
	var out []*store.TrustMark
	for _, m := range r.marks {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

type adminFakeTMCache struct{}

func (c *adminFakeTMCache) HSet(ctx context.Context, hashKey, field, value string) error { return nil }
func (c *adminFakeTMCache) SAdd(ctx context.Context, setKey string, members ...string) error {
	return nil
}
func (c *adminFakeTMCache) SRem(ctx context.Context, setKey string, members ...string) error {
	return nil
}
func (c *adminFakeTMCache) HGet(ctx context.Context, hashKey, field string) (string, bool, error) {
	return "", false, nil
}

func newTestTrustmark(t *testing.T) (*trustmark.Service, *adminFakeTMRepo) {
	t.Helper()
	repo := newAdminFakeTMRepo()
	svc := trustmark.New(repo, &adminFakeTMCache{}, adminFakeKeys{key: testSigningKey(t)}, trustmark.Config{
		TADomain:          "https://ta.example",
		TrustmarkProvider: "https://ta.example",
	}, zap.NewNop())
	return svc, repo
}

func newTestAdminHandler(t *testing.T) (*AdminHandler, *adminFakeSubordinateRepo, *adminFakeTMRepo) {
	t.Helper()
	admissionSvc, subRepo := newTestAdmission(t)
	tmSvc, tmRepo := newTestTrustmark(t)
	return NewAdminHandler(admissionSvc, tmSvc, zap.NewNop()), subRepo, tmRepo
}

func TestAdminGetSubordinateNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newTestAdminHandler(t)

	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/subordinates/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminGetSubordinateFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, subRepo, _ := newTestAdminHandler(t)

	sub := &store.Subordinate{EntityID: "https://rp.example", Active: true, ValidForHours: 24}
	require.NoError(t, subRepo.CreateSubordinate(context.Background(), sub))

	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/subordinates/"+sub.ID.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "https://rp.example")
}

func TestAdminCreateTrustMarkIssuesAndRejectsDuplicate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, tmRepo := newTestAdminHandler(t)

	tmtID := uuid.New()
	tmRepo.types[tmtID] = &store.TrustMarkType{ID: tmtID, TMType: "https://ta.example/tmtype", ValidForHours: 24, RenewalTimeHours: 1}

	r := gin.New()
	h.Register(r)

	body, err := json.Marshal(map[string]interface{}{
		"tmt_id": tmtID.String(),
		"domain": "https://rp.example",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/trustmarks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/trustmarks", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusConflict, w2.Code)
}

func TestAdminUpdateTrustMarkRevokes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, tmRepo := newTestAdminHandler(t)

	tmtID := uuid.New()
	tmRepo.types[tmtID] = &store.TrustMarkType{ID: tmtID, TMType: "https://ta.example/tmtype", ValidForHours: 24, RenewalTimeHours: 1}
	mark := "dummy-jws"
	m := &store.TrustMark{TMTID: tmtID, TMType: "https://ta.example/tmtype", Domain: "https://rp.example", Active: true, Mark: &mark}
	require.NoError(t, tmRepo.CreateTrustMark(context.Background(), m))

	r := gin.New()
	h.Register(r)

	body := `{"domain":"https://rp.example","active":false}`
	req := httptest.NewRequest(http.MethodPut, "/trustmarks/"+tmtID.String(), bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, tmRepo.marks[tmKey(tmtID, "https://rp.example")].Active)
}
