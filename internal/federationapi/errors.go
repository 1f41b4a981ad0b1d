package federationapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/tafed/internal/ferrors"
)

// statusForKind maps a federation-domain error kind to an HTTP status, so
// handlers never have to inspect error strings (spec.md §4.9).
func statusForKind(k ferrors.Kind) int {
	switch k {
	case ferrors.NotFound, ferrors.TypeNotFound:
		return http.StatusNotFound
	case ferrors.AlreadyExists:
		return http.StatusConflict
	case ferrors.ValidForExceedsLimit, ferrors.LimitExceeded, ferrors.PolicyViolation,
		ferrors.PolicyMergeConflict, ferrors.AuthorityHintMissing, ferrors.InactiveSubordinate,
		ferrors.ChainIncomplete:
		return http.StatusBadRequest
	case ferrors.InvalidSignature, ferrors.MalformedJws, ferrors.UnsupportedAlgorithm:
		return http.StatusUnprocessableEntity
	case ferrors.FetchError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body, using its ferrors.Kind for
// the status code when available.
func respondError(c *gin.Context, err error) {
	kind, ok := ferrors.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(statusForKind(kind), gin.H{"error": string(kind), "message": err.Error()})
}
