package ingress

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NissesSenap/teams-changefeed/internal/clock"
)

const (
	// GraphChangeTrackingAppID is the azp of tokens issued for change
	// notifications.
	GraphChangeTrackingAppID = "0bf30f3b-4a52-48df-9a82-234910c4a086"

	DefaultJWKSURL  = "https://login.microsoftonline.com/common/discovery/v2.0/keys"
	DefaultJWKSTTL  = 24 * time.Hour
	jwksMinRefresh  = time.Minute
	jwksFetchBudget = 10 * time.Second
)

var defaultIssuerPrefixes = []string{
	"https://sts.windows.net/",
	"https://login.microsoftonline.com/",
}

// KeySet resolves token signing keys by key id.
type KeySet interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StaticKeys is a fixed KeySet.
type StaticKeys map[string]*rsa.PublicKey

func (s StaticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// TokenOptions configures a TokenValidator.
type TokenOptions struct {
	// AppID is the expected audience.
	AppID string
	// TenantID, when set, must appear in the issuer.
	TenantID string
	// AuthorizedParty, when set, must equal the azp claim.
	AuthorizedParty string
	IssuerPrefixes  []string
	Keys            KeySet
	Clock           clock.Clock
	Leeway          time.Duration
}

type tokenClaims struct {
	AuthorizedParty string `json:"azp,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator verifies the validationTokens attached to deliveries that
// carry resource data.
type TokenValidator struct {
	opts TokenOptions
}

func NewTokenValidator(opts TokenOptions) (*TokenValidator, error) {
	if opts.AppID == "" {
		return nil, errors.New("token validation needs an app id")
	}
	if opts.Keys == nil {
		return nil, errors.New("token validation needs a key set")
	}
	if len(opts.IssuerPrefixes) == 0 {
		opts.IssuerPrefixes = defaultIssuerPrefixes
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &TokenValidator{opts: opts}, nil
}

func (v *TokenValidator) Verify(ctx context.Context, token string) error {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return v.opts.Keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.opts.AppID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.opts.Clock.Now),
		jwt.WithLeeway(v.opts.Leeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationToken, err)
	}

	if !v.issuerAllowed(claims.Issuer) {
		return fmt.Errorf("%w: issuer %q", ErrValidationToken, claims.Issuer)
	}
	if v.opts.AuthorizedParty != "" && claims.AuthorizedParty != v.opts.AuthorizedParty {
		return fmt.Errorf("%w: authorized party %q", ErrValidationToken, claims.AuthorizedParty)
	}
	return nil
}

func (v *TokenValidator) issuerAllowed(iss string) bool {
	for _, prefix := range v.opts.IssuerPrefixes {
		if !strings.HasPrefix(iss, prefix) {
			continue
		}
		if v.opts.TenantID == "" || strings.Contains(iss[len(prefix):], v.opts.TenantID) {
			return true
		}
	}
	return false
}

// JWKS is a KeySet fetched over HTTP and cached. An unknown kid triggers a
// refresh, at most once a minute.
type JWKS struct {
	url    string
	client *http.Client
	ttl    time.Duration
	clock  clock.Clock

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
}

func NewJWKS(url string, client *http.Client, ttl time.Duration, clk clock.Clock) *JWKS {
	if url == "" {
		url = DefaultJWKSURL
	}
	if client == nil {
		client = &http.Client{Timeout: jwksFetchBudget}
	}
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &JWKS{url: url, client: client, ttl: ttl, clock: clk}
}

func (j *JWKS) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := j.clock.Now()

	j.mu.Lock()
	key, ok := j.keys[kid]
	stale := j.keys == nil || now.Sub(j.fetchedAt) >= j.ttl
	canRefresh := j.attemptedAt.IsZero() || now.Sub(j.attemptedAt) >= jwksMinRefresh
	if canRefresh && (stale || !ok) {
		j.attemptedAt = now
	}
	j.mu.Unlock()

	if ok && !stale {
		return key, nil
	}
	if canRefresh {
		if err := j.refresh(ctx, now); err != nil {
			if ok {
				return key, nil
			}
			return nil, err
		}
		j.mu.Lock()
		key, ok = j.keys[kid]
		j.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

type jwkDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (j *JWKS) refresh(ctx context.Context, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return fmt.Errorf("building jwks request: %w", err)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching jwks: http %d", resp.StatusCode)
	}

	var doc jwkDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks holds no usable RSA keys")
	}

	j.mu.Lock()
	j.keys = keys
	j.fetchedAt = now
	j.mu.Unlock()
	return nil
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
