package refresh_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudauth/oauthbroker/cache"
	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/refresh"
	"github.com/cloudauth/oauthbroker/store"
)

func newService(t *testing.T, upstream *httptest.Server, cat *catalog.Catalog, st store.Store) *refresh.Service {
	t.Helper()
	return &refresh.Service{
		Catalog:    cat,
		Store:      st,
		Cache:      cache.New[refresh.CacheEntry](nil),
		HTTPClient: upstream.Client(),
	}
}

func oneServiceCatalog(authURL string) *catalog.Catalog {
	return catalog.New([]catalog.Record{{
		Id:       "gd",
		AuthUrl:  authURL,
		ClientId: "client-id",
	}}, "example.com", nil)
}

func TestRefreshV2HappyPath(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"access_token":"A1","expires_in":3600}`)
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)

	entry, err := svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	require.NoError(t, err)
	assert.Equal(t, "A1", entry.Token)
	assert.Equal(t, "gd", entry.ServiceId)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRefreshV2CacheHitAvoidsUpstreamCall(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"access_token":"A1","expires_in":3600}`)
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)

	_, err := svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	require.NoError(t, err)
	_, err = svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second refresh should be served from cache")
}

func TestRefreshV2RejectsShortToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)
	_, err := svc.Refresh(context.Background(), "v2:gd:abc")
	assert.Error(t, err)
}

func TestRefreshV2UnknownService(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)
	_, err := svc.Refresh(context.Background(), "v2:unknown:refreshtoken123")
	assert.Error(t, err)
}

func TestRefreshV2MalformedAuthId(t *testing.T) {
	svc := newService(t, httptest.NewServer(http.NotFoundHandler()), catalog.New(nil, "h", nil), nil)
	_, err := svc.Refresh(context.Background(), "v2:onlyone")
	assert.Error(t, err)
}

func TestRefreshV1WithoutStoreConfigured(t *testing.T) {
	svc := newService(t, httptest.NewServer(http.NotFoundHandler()), catalog.New(nil, "h", nil), nil)
	_, err := svc.Refresh(context.Background(), "keyid:password")
	assert.Error(t, err)
}

func TestRefreshV1RotatesStoredRefreshToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"A2","refresh_token":"R2","expires_in":3600}`)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Create("keyid", "password", store.StoredEntry{
		ServiceId:    "gd",
		RefreshToken: "R1",
	}))

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), fs)

	entry, err := svc.Refresh(context.Background(), "keyid:password")
	require.NoError(t, err)
	assert.Equal(t, "A2", entry.Token)

	got, err := fs.Get("keyid", "password")
	require.NoError(t, err)
	assert.Equal(t, "R2", got.RefreshToken)
}

func TestRefreshV1PreservesOmittedRefreshToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"A2","expires_in":3600}`)
	}))
	defer upstream.Close()

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Create("keyid", "password", store.StoredEntry{ServiceId: "gd", RefreshToken: "refresh-R1"}))

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), fs)
	_, err = svc.Refresh(context.Background(), "keyid:password")
	require.NoError(t, err)

	got, err := fs.Get("keyid", "password")
	require.NoError(t, err)
	assert.Equal(t, "refresh-R1", got.RefreshToken, "omitted refresh_token in response means unchanged")
}

func TestRefreshV1WrongPassword(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Create("keyid", "password", store.StoredEntry{ServiceId: "gd", RefreshToken: "R1"}))

	svc := newService(t, httptest.NewServer(http.NotFoundHandler()), catalog.New(nil, "h", nil), fs)
	_, err = svc.Refresh(context.Background(), "keyid:wrongpassword")
	assert.Error(t, err)
}

func TestRefreshRejectsUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)
	_, err := svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	assert.Error(t, err)
}

func TestExpirySecondsFloor(t *testing.T) {
	tr := refresh.TokenResponse{}
	assert.EqualValues(t, 1000, tr.ExpirySeconds())
}

func TestRefreshV2CacheTTLNotFlooredTo1000(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"A1","expires_in":60}`)
	}))
	defer upstream.Close()

	start := time.Now()
	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)
	svc.Now = func() time.Time { return start }

	entry, err := svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	require.NoError(t, err)
	assert.Equal(t, start.Add(60*time.Second), entry.Expires,
		"the access-token cache must use the provider's real expires_in, not the StoredEntry's 1000-second floor")
}

func TestCacheKeysAreHashedNotRaw(t *testing.T) {
	key := refresh.CacheKeyV2("gd", "super-secret-refresh-token")
	assert.NotContains(t, key, "super-secret-refresh-token")
}

func TestV2NeverTouchesFilesystem(t *testing.T) {
	// Refresh with a V2 AuthId must succeed with Store == nil: a v2:
	// AuthId never causes any filesystem read or write.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"A1","expires_in":3600}`)
	}))
	defer upstream.Close()

	svc := newService(t, upstream, oneServiceCatalog(upstream.URL), nil)
	_, err := svc.Refresh(context.Background(), "v2:gd:refreshtoken123")
	assert.NoError(t, err)
}
