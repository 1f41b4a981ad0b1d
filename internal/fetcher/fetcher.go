// Package fetcher retrieves an entity's well-known configuration over HTTP
// and self-verifies it against its own embedded JWKS.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/jsonval"
	"github.com/jmerrifield20/tafed/internal/signer"
	"github.com/jmerrifield20/tafed/pkg/entityid"
)

// Fetcher retrieves and self-verifies entity configurations over HTTP.
// Grounded on the teacher's internal/resolver.Service.queryRegistry
// timeout/error-mapping pattern.
type Fetcher struct {
	httpClient *http.Client
	signer     *signer.Signer
}

// New builds a Fetcher with the given outbound timeout.
func New(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer.New(),
	}
}

// SetHTTPClient overrides the outbound client, e.g. to point at a test
// server's own trusting *http.Client.
func (f *Fetcher) SetHTTPClient(c *http.Client) { f.httpClient = c }

// FetchEntityConfiguration retrieves the raw JWS served at
// entityID + "/.well-known/openid-federation".
func (f *Fetcher) FetchEntityConfiguration(ctx context.Context, id entityid.ID) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.WellKnownURL(), nil)
	if err != nil {
		return "", ferrors.Wrap(ferrors.FetchError, "build request", err)
	}
	req.Header.Set("Accept", "application/entity-statement+jwt")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", ferrors.Wrap(ferrors.FetchError, fmt.Sprintf("fetch %s", id), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", ferrors.Wrap(ferrors.FetchError, "read response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(body), nil
	case resp.StatusCode == http.StatusNotFound:
		return "", ferrors.New(ferrors.FetchError, fmt.Sprintf("%s: not found", id))
	default:
		return "", ferrors.New(ferrors.FetchError, fmt.Sprintf("%s: status %d", id, resp.StatusCode))
	}
}

// SelfVerify parses token as a JWS, extracts the embedded "jwks" claim, and
// verifies the token against it. This is the self-verification step spec.md
// §4.4 step 2 and §4.6 step 1(a) both need.
func (f *Fetcher) SelfVerify(token string) (jws.Headers, jsonval.Value, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "parse JWS", err)
	}

	unverifiedPayload := msg.Payload()
	unverifiedClaims, err := jsonval.Parse(unverifiedPayload)
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "decode claims", err)
	}

	jwksClaim := unverifiedClaims.Get("jwks")
	if jwksClaim.IsNull() {
		return nil, jsonval.Value{}, ferrors.New(ferrors.InvalidSignature, "entity configuration carries no jwks")
	}
	jwksBytes, err := jwksClaim.MarshalJSON()
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "marshal jwks", err)
	}
	keyset, err := jwk.Parse(jwksBytes)
	if err != nil {
		return nil, jsonval.Value{}, ferrors.Wrap(ferrors.MalformedJws, "parse jwks", err)
	}

	return f.signer.Verify(token, keyset)
}

// FetchAndSelfVerify combines FetchEntityConfiguration and SelfVerify, the
// operation both admission (§4.4 step 1-2) and resolve (§4.6 step 1a) run.
func (f *Fetcher) FetchAndSelfVerify(ctx context.Context, id entityid.ID) (string, jws.Headers, jsonval.Value, error) {
	token, err := f.FetchEntityConfiguration(ctx, id)
	if err != nil {
		return "", nil, jsonval.Value{}, err
	}
	headers, claims, err := f.SelfVerify(token)
	if err != nil {
		return "", nil, jsonval.Value{}, err
	}
	return token, headers, claims, nil
}
