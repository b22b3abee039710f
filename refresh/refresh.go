// Package refresh implements the upstream token-exchange/refresh calls and
// the access-token cache. It is shared by three callers: CompleteLogin and
// the CLI resource-owner login exchange an authorization code / password
// for a first token pair using Exchange; the /refresh endpoint
// additionally dispatches on the AuthId prefix and consults the
// access-token cache before calling out, via Service.Refresh.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudauth/oauthbroker/cache"
	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/errs"
	"github.com/cloudauth/oauthbroker/store"
)

// cacheMargin is the remaining-validity threshold below which a cached
// access token is treated as a miss.
const cacheMargin = 30 * time.Second

// clockSkewFloorSeconds is the minimum lifetime (in seconds) applied when
// a provider's response carries neither `expires` nor `expires_in`.
const clockSkewFloorSeconds = 1000

// TokenResponse is the provider response shape for both the authorization
// code exchange and the refresh-token exchange. Expires/ExpiresIn accept
// either a JSON number or a numeric string, since providers in the wild
// disagree on which (flexInt handles the conversion).
type TokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	Expires      flexInt `json:"expires"`
	ExpiresIn    flexInt `json:"expires_in"`

	// RawJSON is the exact response body Exchange received, verbatim,
	// for callers that persist the provider's response alongside the
	// parsed fields.
	RawJSON json.RawMessage `json:"-"`
}

// ExpirySeconds returns the larger of Expires and ExpiresIn, floored at
// clockSkewFloorSeconds when the provider sent neither. This floor governs
// the stored credential's expiry only; the access-token cache uses
// rawExpirySeconds instead, since padding the cache TTL past the real
// upstream lifetime would hand out an already-dead token.
func (t TokenResponse) ExpirySeconds() int64 {
	max := int64(clockSkewFloorSeconds)
	if int64(t.Expires) > max {
		max = int64(t.Expires)
	}
	if int64(t.ExpiresIn) > max {
		max = int64(t.ExpiresIn)
	}
	return max
}

// rawExpirySeconds returns the larger of Expires and ExpiresIn with no
// floor applied.
func (t TokenResponse) rawExpirySeconds() int64 {
	max := int64(t.Expires)
	if int64(t.ExpiresIn) > max {
		max = int64(t.ExpiresIn)
	}
	return max
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("refresh: invalid numeric field %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// Exchange POSTs form to tokenURL as application/x-www-form-urlencoded and
// parses the JSON response. Non-2xx upstream responses and unparsable
// bodies are reported as errs.UpstreamFailure. The returned TokenResponse's
// RawJSON carries the exact response body for callers that persist it.
func Exchange(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, errs.UpstreamFailure(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return TokenResponse{}, errs.UpstreamFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, errs.UpstreamFailure(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenResponse{}, errs.UpstreamFailure(fmt.Errorf("provider returned status %d", resp.StatusCode))
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenResponse{}, errs.UpstreamFailure(err)
	}
	tr.RawJSON = json.RawMessage(body)
	return tr, nil
}

// CacheEntry is the access-token cache value.
type CacheEntry struct {
	Token     string
	Expires   time.Time
	ServiceId string
}

// Service ties the catalog, blob store, access-token cache, and outbound
// HTTP client together to implement the /refresh dispatch.
// Store may be nil when no persistent storage is configured; in that case
// every AuthId presented must be V2 (no blob store configured forces
// UseV2).
type Service struct {
	Catalog    *catalog.Catalog
	Store      store.Store
	Cache      *cache.Cache[CacheEntry]
	HTTPClient *http.Client
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Refresh dispatches on the AuthId prefix and returns a fresh or
// cache-hit access token.
func (s *Service) Refresh(ctx context.Context, authId string) (CacheEntry, error) {
	if strings.HasPrefix(authId, "v2:") {
		return s.refreshV2(ctx, authId)
	}
	return s.refreshV1(ctx, authId)
}

func (s *Service) refreshV2(ctx context.Context, authId string) (CacheEntry, error) {
	parts := strings.SplitN(authId, ":", 3)
	if len(parts) != 3 {
		return CacheEntry{}, errs.BadRequest("Malformed AuthId")
	}
	serviceId, refreshToken := parts[1], parts[2]

	sc, ok := s.Catalog.Get(serviceId)
	if !ok {
		return CacheEntry{}, errs.BadRequest("Unknown service")
	}
	if len(refreshToken) < 6 {
		return CacheEntry{}, errs.BadRequest("Malformed AuthId")
	}

	key := CacheKeyV2(serviceId, refreshToken)
	if entry, ok := s.Cache.Get(key); ok && entry.Expires.Sub(s.now()) > cacheMargin {
		return entry, nil
	}

	tr, err := s.upstreamRefresh(ctx, sc, refreshToken)
	if err != nil {
		return CacheEntry{}, err
	}

	entry := s.cacheResult(key, sc.Id, tr)
	return entry, nil
}

func (s *Service) refreshV1(ctx context.Context, authId string) (CacheEntry, error) {
	if s.Store == nil {
		return CacheEntry{}, errs.BadRequest("No credential store configured")
	}

	parts := strings.SplitN(authId, ":", 2)
	if len(parts) != 2 {
		return CacheEntry{}, errs.BadRequest("Malformed AuthId")
	}
	keyId, password := parts[0], parts[1]

	key := CacheKeyV1(keyId, password)
	if entry, ok := s.Cache.Get(key); ok && entry.Expires.Sub(s.now()) > cacheMargin {
		return entry, nil
	}

	stored, err := s.Store.Get(keyId, password)
	if err != nil {
		return CacheEntry{}, errs.Unauthorized("Invalid AuthId", "Invalid key or password")
	}

	sc, ok := s.Catalog.Get(stored.ServiceId)
	if !ok {
		return CacheEntry{}, errs.BadRequest("Unknown service")
	}
	if len(stored.RefreshToken) < 6 {
		return CacheEntry{}, errs.BadRequest("Malformed stored credential")
	}

	tr, err := s.upstreamRefresh(ctx, sc, stored.RefreshToken)
	if err != nil {
		return CacheEntry{}, err
	}

	entry := s.cacheResult(key, sc.Id, tr)

	// Preserve fields the upstream omitted - an empty access_token or
	// refresh_token in the response means "unchanged".
	updated := stored
	updated.Expires = entry.Expires
	if tr.AccessToken != "" {
		updated.AccessToken = tr.AccessToken
	}
	if tr.RefreshToken != "" {
		updated.RefreshToken = tr.RefreshToken
	}
	if err := s.Store.Update(keyId, password, updated); err != nil {
		return CacheEntry{}, err
	}

	return entry, nil
}

func (s *Service) cacheResult(key, serviceId string, tr TokenResponse) CacheEntry {
	raw := tr.rawExpirySeconds()
	expires := s.now().Add(time.Duration(raw) * time.Second)
	entry := CacheEntry{Token: tr.AccessToken, Expires: expires, ServiceId: serviceId}
	// The client is told the token is valid for expires_in-10 seconds and
	// the server caches under that same shortened TTL; clamp to cacheMargin so a provider-advertised lifetime
	// shorter than our own margin never caches for a negative duration.
	ttl := time.Duration(raw)*time.Second - 10*time.Second
	if ttl < cacheMargin {
		ttl = cacheMargin
	}
	s.Cache.Set(key, entry, ttl)
	return entry
}

func (s *Service) upstreamRefresh(ctx context.Context, sc catalog.ServiceConfig, refreshToken string) (TokenResponse, error) {
	if refreshToken == "" || len(refreshToken) < 6 {
		return TokenResponse{}, errs.BadRequest("Malformed AuthId")
	}

	form := url.Values{}
	form.Set("client_id", sc.ClientId)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")
	if sc.ClientSecret != "" {
		form.Set("client_secret", sc.ClientSecret)
	}
	if !sc.NoRedirectUriForRefreshRequest {
		form.Set("redirect_uri", sc.RedirectUri)
	}

	tr, err := Exchange(ctx, s.HTTPClient, sc.AuthUrl, form)
	if err != nil {
		return TokenResponse{}, err
	}
	if tr.AccessToken == "" {
		return TokenResponse{}, errs.UpstreamFailure(fmt.Errorf("provider %q returned no access_token", sc.Id))
	}
	return tr, nil
}

// CacheKeyV2 derives the access-token cache key for a v2: AuthId:
// sha256(refreshToken), standard base64 with padding.
func CacheKeyV2(serviceId, refreshToken string) string {
	return fmt.Sprintf("/v2/token?id=%s&service=%s", hashToken(refreshToken), serviceId)
}

// CacheKeyV1 derives the access-token cache key for a V1 AuthId.
func CacheKeyV1(keyId, password string) string {
	return fmt.Sprintf("/v1/token?password=%s&id=%s", hashToken(password), keyId)
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}
