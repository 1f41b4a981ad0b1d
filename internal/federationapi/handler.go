// Package federationapi hosts the two gin.RouterGroups that front the
// federation core: the read-only query surface of spec.md §4.8, and the
// admin API over internal/admission and internal/trustmark. Handler shapes
// follow internal/registry/handler/wellknown.go: a narrow svc/logger
// struct with one method per route.
package federationapi

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/entityconfig"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/keystore"
	"github.com/jmerrifield20/tafed/internal/resolver"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/internal/trustmark"
)

// cache is the narrow cachestore surface the query handlers need.
type cache interface {
	HGetAll(ctx context.Context, hashKey string) (map[string]string, error)
	HGet(ctx context.Context, hashKey, field string) (string, bool, error)
	SMembers(ctx context.Context, setKey string) ([]string, error)
}

// Handler serves the eight federation query routes of spec.md §4.8, each a
// thin wrapper over cachestore/resolver/trustmark — it never touches the
// durable store directly.
type Handler struct {
	cache        cache
	entityConfig *entityconfig.Builder
	keys         *keystore.Store
	signer       *signer.Signer
	resolver     *resolver.Service
	trustmarks   *trustmark.Service
	taDomain     string
	logger       *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(
	cache cache,
	entityConfig *entityconfig.Builder,
	keys *keystore.Store,
	r *resolver.Service,
	tm *trustmark.Service,
	taDomain string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		cache:        cache,
		entityConfig: entityConfig,
		keys:         keys,
		signer:       signer.New(),
		resolver:     r,
		trustmarks:   tm,
		taDomain:     taDomain,
		logger:       logger,
	}
}

// Register wires the federation query surface onto rg.
func (h *Handler) Register(rg gin.IRoutes) {
	rg.GET("/.well-known/openid-federation", h.WellKnown)
	rg.GET("/list", h.List)
	rg.GET("/fetch", h.Fetch)
	rg.GET("/trust_mark", h.TrustMark)
	rg.GET("/trust_mark_list", h.TrustMarkList)
	rg.POST("/trust_mark_status", h.TrustMarkStatus)
	rg.GET("/resolve", h.Resolve)
	rg.GET("/historical_keys", h.HistoricalKeys)
}

// WellKnown handles GET /.well-known/openid-federation.
func (h *Handler) WellKnown(c *gin.Context) {
	token := h.entityConfig.JWS()
	if token == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entity configuration unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/entity-statement+jwt", []byte(token))
}

// List handles GET /list[?trust_mark_type=T][&trust_marked=…]. trust_marked
// is accepted but never filters, per spec.md §4.8.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()

	all, err := h.cache.HGetAll(ctx, cachestore.KeySubordinates)
	if err != nil {
		respondError(c, err)
		return
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}

	if tmtype := c.Query("trust_mark_type"); tmtype != "" {
		marked, err := h.cache.SMembers(ctx, cachestore.TrustMarkTypeSetKey(tmtype))
		if err != nil {
			respondError(c, err)
			return
		}
		markedSet := make(map[string]bool, len(marked))
		for _, m := range marked {
			markedSet[m] = true
		}
		filtered := ids[:0]
		for _, id := range ids {
			if markedSet[id] {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	sort.Strings(ids)
	c.JSON(http.StatusOK, ids)
}

// Fetch handles GET /fetch?sub=X.
func (h *Handler) Fetch(c *gin.Context) {
	sub := c.Query("sub")
	if sub == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sub is required"})
		return
	}

	statement, ok, err := h.cache.HGet(c.Request.Context(), cachestore.KeySubordinates, sub)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown subordinate"})
		return
	}
	c.Data(http.StatusOK, "application/entity-statement+jwt", []byte(statement))
}

// TrustMark handles GET /trust_mark?trust_mark_type=T&sub=X.
func (h *Handler) TrustMark(c *gin.Context) {
	tmtype := c.Query("trust_mark_type")
	sub := c.Query("sub")
	if tmtype == "" || sub == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trust_mark_type and sub are required"})
		return
	}

	value, found, err := h.trustmarks.GetTrustMark(c.Request.Context(), sub, tmtype)
	if err != nil {
		respondError(c, err)
		return
	}
	if !found || value == "" || value == cachestore.TrustMarkRevoked {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active trust mark"})
		return
	}
	c.Data(http.StatusOK, "application/trust-mark+jwt", []byte(value))
}

// TrustMarkList handles GET /trust_mark_list?trust_mark_type=T[&sub=X].
func (h *Handler) TrustMarkList(c *gin.Context) {
	tmtype := c.Query("trust_mark_type")
	if tmtype == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trust_mark_type is required"})
		return
	}

	members, err := h.cache.SMembers(c.Request.Context(), cachestore.TrustMarkTypeSetKey(tmtype))
	if err != nil {
		respondError(c, err)
		return
	}

	if sub := c.Query("sub"); sub != "" {
		for _, m := range members {
			if m == sub {
				c.JSON(http.StatusOK, []string{sub})
				return
			}
		}
		c.JSON(http.StatusOK, []string{})
		return
	}

	sort.Strings(members)
	c.JSON(http.StatusOK, members)
}

// TrustMarkStatus handles POST /trust_mark_status. The body is the raw
// compact-serialized trust mark JWS being queried.
func (h *Handler) TrustMarkStatus(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	status, err := h.trustmarks.TrustMarkStatus(c.Request.Context(), strings.TrimSpace(string(body)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/trust-mark-status+jwt", []byte(status))
}

// Resolve handles GET /resolve?sub&trust_anchor[&entity_type=…]*.
func (h *Handler) Resolve(c *gin.Context) {
	sub := c.Query("sub")
	if sub == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sub is required"})
		return
	}

	token, err := h.resolver.Resolve(c.Request.Context(), sub, c.Query("trust_anchor"), c.QueryArray("entity_type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/resolve-response+jwt", []byte(token))
}

// HistoricalKeys handles GET /historical_keys.
func (h *Handler) HistoricalKeys(c *gin.Context) {
	historical := h.keys.HistoricalKeys()
	values := make([]jsonval.Value, 0, len(historical))
	for _, hk := range historical {
		v, err := hk.ToValue()
		if err != nil {
			h.logger.Warn("historical_keys: skipping undecodable key", zap.Error(err))
			continue
		}
		values = append(values, v)
	}

	now := time.Now().UTC()
	claims := jsonval.Object().
		Set("iss", jsonval.String(h.taDomain)).
		Set("iat", jsonval.Number(float64(now.Unix()))).
		Set("keys", jsonval.Array(values...))

	token, err := h.signer.Sign(claims, h.keys.ActivePrivateSigningKey(), "jwk-set+jwt")
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/jwk-set+jwt", []byte(token))
}
