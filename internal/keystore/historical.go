package keystore

import (
	"crypto"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/jmerrifield20/tafed/internal/jsonval"
)

const hashAlgorithm = crypto.SHA256

// historicalKeyDoc is the on-disk shape of a HISTORICAL_KEYS_DIR entry: a
// JWK document augmented with exp and an optional revoked sub-object.
type historicalKeyDoc struct {
	Exp     int64 `json:"exp"`
	Revoked *struct {
		RevokedAt int64  `json:"revoked_at"`
		Reason    string `json:"reason"`
	} `json:"revoked"`
}

func parseHistoricalKeyDoc(raw []byte) (HistoricalKey, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return HistoricalKey{}, fmt.Errorf("parse key: %w", err)
	}

	var doc historicalKeyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return HistoricalKey{}, fmt.Errorf("parse envelope: %w", err)
	}
	if doc.Exp == 0 {
		return HistoricalKey{}, nil
	}

	hk := HistoricalKey{
		Key:       key,
		ExpiresAt: time.Unix(doc.Exp, 0).UTC(),
	}
	if doc.Revoked != nil {
		reason := doc.Revoked.Reason
		switch reason {
		case "compromised", "superseded":
		default:
			reason = "unspecified"
		}
		hk.Revoked = &Revocation{
			RevokedAt: time.Unix(doc.Revoked.RevokedAt, 0).UTC(),
			Reason:    reason,
		}
	}
	return hk, nil
}

// ToValue renders hk back into the historicalKeyDoc shape it was parsed
// from: the JWK document augmented with exp and, if present, a revoked
// sub-object — what GET /historical_keys serves verbatim per spec.md §4.8.
func (hk HistoricalKey) ToValue() (jsonval.Value, error) {
	raw, err := json.Marshal(hk.Key)
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("marshal historical key: %w", err)
	}
	v, err := jsonval.Parse(raw)
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("decode historical key: %w", err)
	}

	v = v.Set("exp", jsonval.Number(float64(hk.ExpiresAt.Unix())))
	if hk.Revoked != nil {
		v = v.Set("revoked", jsonval.Object().
			Set("revoked_at", jsonval.Number(float64(hk.Revoked.RevokedAt.Unix()))).
			Set("reason", jsonval.String(hk.Revoked.Reason)))
	}
	return v, nil
}
