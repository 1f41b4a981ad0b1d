package federationapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/admission"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/internal/trustmark"
)

// AdminHandler hosts the administrative CRUD surface over
// internal/admission and internal/trustmark: adding/updating/renewing
// subordinates and issuing/renewing/updating trust marks.
type AdminHandler struct {
	admission *admission.Service
	trustmark *trustmark.Service
	logger    *zap.Logger
}

// NewAdminHandler builds an AdminHandler.
func NewAdminHandler(a *admission.Service, tm *trustmark.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{admission: a, trustmark: tm, logger: logger}
}

// Register wires the admin API onto rg. Per spec.md §9's Open Question,
// UpdateSubordinate is registered for both PUT and POST at the same route
// rather than picking one verb.
func (h *AdminHandler) Register(rg gin.IRoutes) {
	rg.POST("/subordinates", h.AddSubordinate)
	rg.GET("/subordinates/:id", h.GetSubordinate)
	rg.PUT("/subordinates/:id", h.UpdateSubordinate)
	rg.POST("/subordinates/:id", h.UpdateSubordinate)
	rg.POST("/subordinates/:id/renew", h.RenewSubordinate)

	rg.POST("/trustmarks", h.CreateTrustMark)
	rg.POST("/trustmarks/:tmtid/renew", h.RenewTrustMark)
	rg.PUT("/trustmarks/:tmtid", h.UpdateTrustMark)
	rg.POST("/trustmarks/:tmtid", h.UpdateTrustMark)
}

// subordinateBody is the admin API's wire shape for AddSubordinate/
// UpdateSubordinate, per spec.md §1's Non-goal that the exact HTTP/REST
// request schema is out of scope beyond §4.8/§6 media types.
type subordinateBody struct {
	EntityID         string          `json:"entity_id"`
	DeclaredMetadata json.RawMessage `json:"metadata"`
	ForcedMetadata   json.RawMessage `json:"forced_metadata"`
	JWKS             json.RawMessage `json:"jwks"`
	ValidForHours    int             `json:"valid_for"`
	AdditionalClaims json.RawMessage `json:"additional_claims"`
}

func (b subordinateBody) toRequest() (admission.AddSubordinateRequest, error) {
	declared, err := rawToValue(b.DeclaredMetadata)
	if err != nil {
		return admission.AddSubordinateRequest{}, err
	}
	forced, err := rawToValue(b.ForcedMetadata)
	if err != nil {
		return admission.AddSubordinateRequest{}, err
	}
	jwks, err := rawToValue(b.JWKS)
	if err != nil {
		return admission.AddSubordinateRequest{}, err
	}
	additional, err := rawToValue(b.AdditionalClaims)
	if err != nil {
		return admission.AddSubordinateRequest{}, err
	}
	return admission.AddSubordinateRequest{
		EntityID:         b.EntityID,
		DeclaredMetadata: declared,
		ForcedMetadata:   forced,
		JWKS:             jwks,
		ValidForHours:    b.ValidForHours,
		AdditionalClaims: additional,
	}, nil
}

// AddSubordinate handles POST /admin/subordinates.
func (h *AdminHandler) AddSubordinate(c *gin.Context) {
	var body subordinateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := body.toRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON field"})
		return
	}

	sub, err := h.admission.AddSubordinate(c.Request.Context(), req)
	RecordAdmission(err == nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, subordinateResponse(sub))
}

// GetSubordinate handles GET /admin/subordinates/:id.
func (h *AdminHandler) GetSubordinate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	sub, err := h.admission.GetSubordinateByID(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "subordinate not found"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subordinateResponse(sub))
}

// UpdateSubordinate handles PUT/POST /admin/subordinates/:id.
func (h *AdminHandler) UpdateSubordinate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	existing, err := h.admission.GetSubordinateByID(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "subordinate not found"})
			return
		}
		respondError(c, err)
		return
	}

	var body subordinateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := body.toRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON field"})
		return
	}
	req.EntityID = existing.EntityID

	updated, err := h.admission.UpdateSubordinate(c.Request.Context(), existing, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subordinateResponse(updated))
}

// RenewSubordinate handles POST /admin/subordinates/:id/renew.
func (h *AdminHandler) RenewSubordinate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	existing, err := h.admission.GetSubordinateByID(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "subordinate not found"})
			return
		}
		respondError(c, err)
		return
	}

	renewed, err := h.admission.RenewSubordinate(c.Request.Context(), existing)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subordinateResponse(renewed))
}

func subordinateResponse(sub *store.Subordinate) gin.H {
	return gin.H{
		"id":         sub.ID,
		"entity_id":  sub.EntityID,
		"active":     sub.Active,
		"valid_for":  sub.ValidForHours,
		"statement":  sub.Statement,
		"added":      sub.Added,
		"expires_at": sub.ExpireAt(),
	}
}

// trustMarkBody is the admin API's wire shape for trust-mark operations.
type trustMarkBody struct {
	Domain           string          `json:"domain"`
	ValidForHours    int             `json:"valid_for"`
	RenewalTimeHours int             `json:"renewal_time"`
	Autorenew        bool            `json:"autorenew"`
	Active           *bool           `json:"active"`
	AdditionalClaims json.RawMessage `json:"additional_claims"`
}

// CreateTrustMark handles POST /admin/trustmarks.
func (h *AdminHandler) CreateTrustMark(c *gin.Context) {
	var body struct {
		TMTID uuid.UUID `json:"tmt_id"`
		trustMarkBody
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	additional, err := rawToValue(body.AdditionalClaims)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid additional_claims"})
		return
	}

	overrides := trustmark.IssueOverrides{
		ValidForHours:    body.ValidForHours,
		RenewalTimeHours: body.RenewalTimeHours,
		Autorenew:        body.Autorenew,
		AdditionalClaims: additional,
	}

	m, err := h.trustmark.CreateTrustMark(c.Request.Context(), body.TMTID, body.Domain, overrides)
	if err == nil {
		RecordTrustMarkIssued()
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trustMarkResponse(m))
}

// RenewTrustMark handles POST /admin/trustmarks/:tmtid/renew.
func (h *AdminHandler) RenewTrustMark(c *gin.Context) {
	tmtID, err := uuid.Parse(c.Param("tmtid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tmtid"})
		return
	}
	var body struct {
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	existing, err := h.trustmark.GetTrustMarkRecord(c.Request.Context(), tmtID, body.Domain)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "trust mark not found"})
			return
		}
		respondError(c, err)
		return
	}

	renewed, err := h.trustmark.RenewTrustMark(c.Request.Context(), existing)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trustMarkResponse(renewed))
}

// UpdateTrustMark handles PUT/POST /admin/trustmarks/:tmtid.
func (h *AdminHandler) UpdateTrustMark(c *gin.Context) {
	tmtID, err := uuid.Parse(c.Param("tmtid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tmtid"})
		return
	}
	var body trustMarkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	existing, err := h.trustmark.GetTrustMarkRecord(c.Request.Context(), tmtID, body.Domain)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "trust mark not found"})
			return
		}
		respondError(c, err)
		return
	}

	req := trustmark.UpdateTrustMarkRequest{
		Autorenew: &body.Autorenew,
		Active:    body.Active,
	}
	if len(body.AdditionalClaims) > 0 {
		claims, err := rawToValue(body.AdditionalClaims)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid additional_claims"})
			return
		}
		req.AdditionalClaims = &claims
	}

	updated, err := h.trustmark.UpdateTrustMark(c.Request.Context(), existing, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trustMarkResponse(updated))
}

func trustMarkResponse(m *store.TrustMark) gin.H {
	mark := ""
	if m.Mark != nil {
		mark = *m.Mark
	}
	return gin.H{
		"id":         m.ID,
		"tmt_id":     m.TMTID,
		"tmtype":     m.TMType,
		"domain":     m.Domain,
		"active":     m.Active,
		"autorenew":  m.Autorenew,
		"mark":       mark,
		"expires_at": m.ExpireAt,
	}
}

// rawToValue decodes a JSON request field into a jsonval.Value, treating an
// absent/empty field as an empty object.
func rawToValue(raw json.RawMessage) (jsonval.Value, error) {
	if len(raw) == 0 {
		return jsonval.Object(), nil
	}
	return jsonval.Parse(raw)
}
