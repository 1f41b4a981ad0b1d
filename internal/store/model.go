// Package store holds the durable federation records (subordinates, trust
// mark types, trust marks) and their Postgres-backed repository, per
// spec.md §3.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/tafed/internal/jsonval"
)

// Subordinate is the durable record of an admitted entity, per spec.md §3.
type Subordinate struct {
	ID                  uuid.UUID
	EntityID             string
	Metadata             jsonval.Value
	ForcedMetadata       jsonval.Value
	JWKS                 jsonval.Value
	RequiredTrustMarks   jsonval.Value
	ValidForHours        int
	Autorenew            bool
	Active               bool
	Statement            string
	AdditionalClaims     jsonval.Value
	Added                time.Time
}

// ExpireAt returns added + valid_for, per spec.md §3's derived attribute.
func (s *Subordinate) ExpireAt() time.Time {
	return s.Added.Add(time.Duration(s.ValidForHours) * time.Hour)
}

// TrustMarkType is the durable record of a named trust-mark category, per
// spec.md §3.
type TrustMarkType struct {
	ID               uuid.UUID
	TMType           string
	ValidForHours    int
	RenewalTimeHours int
	Autorenew        bool
	Active           bool
}

// TrustMark is the durable record of an issued trust mark, per spec.md §3.
type TrustMark struct {
	ID               uuid.UUID
	TMTID            uuid.UUID
	TMType           string // denormalized for convenience; matches TrustMarkType.TMType
	Domain           string
	Active           bool
	Autorenew        bool
	ValidForHours    int
	RenewalTimeHours int
	Mark             *string // nil when revoked
	ExpireAt         time.Time
	AdditionalClaims jsonval.Value
}
