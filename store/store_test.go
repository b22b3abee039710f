package store_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudauth/oauthbroker/errs"
	"github.com/cloudauth/oauthbroker/store"
)

func newStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return fs
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	fs := newStore(t)
	entry := store.StoredEntry{
		ServiceId:    "gd",
		Expires:      time.Now().Add(time.Hour).Truncate(time.Second),
		AccessToken:  "A",
		RefreshToken: "R",
		Json:         json.RawMessage(`{"access_token":"A"}`),
	}

	require.NoError(t, fs.Create("deadbeef", "correct horse", entry))

	got, err := fs.Get("deadbeef", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, entry.ServiceId, got.ServiceId)
	assert.Equal(t, entry.RefreshToken, got.RefreshToken)
	assert.True(t, entry.Expires.Equal(got.Expires))
}

func TestGetWithWrongPasswordFails(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Create("deadbeef", "right", store.StoredEntry{ServiceId: "gd"}))

	_, err := fs.Get("deadbeef", "wrong")
	assert.Error(t, err)
}

func TestGetMissingKeyFailsSameAsWrongPassword(t *testing.T) {
	fs := newStore(t)
	_, err1 := fs.Get("doesnotexist", "anything")
	require.Error(t, err1)

	require.NoError(t, fs.Create("exists", "right", store.StoredEntry{ServiceId: "gd"}))
	_, err2 := fs.Get("exists", "wrong")
	require.Error(t, err2)

	// Both failures must carry the same opaque kind/message - the caller
	// cannot tell "no such key" from "wrong password" apart. Error() also
	// carries the logged-only cause, which differs between the two.
	var e1, e2 *errs.Error
	require.True(t, errors.As(err1, &e1))
	require.True(t, errors.As(err2, &e2))
	assert.Equal(t, e1.Kind, e2.Kind)
	assert.Equal(t, e1.Status, e2.Status)
	assert.Equal(t, e1.Message, e2.Message)
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Create("k", "pw", store.StoredEntry{ServiceId: "gd"}))
	err := fs.Create("k", "pw", store.StoredEntry{ServiceId: "gd"})
	assert.Error(t, err)
}

func TestUpdateRewritesEntry(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Create("k", "pw", store.StoredEntry{ServiceId: "gd", RefreshToken: "R1"}))
	require.NoError(t, fs.Update("k", "pw", store.StoredEntry{ServiceId: "gd", RefreshToken: "R2"}))

	got, err := fs.Get("k", "pw")
	require.NoError(t, err)
	assert.Equal(t, "R2", got.RefreshToken)
}

func TestDeleteThenGetFails(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Create("k", "pw", store.StoredEntry{ServiceId: "gd"}))
	require.NoError(t, fs.Delete("k"))

	_, err := fs.Get("k", "pw")
	assert.Error(t, err)
}

func TestDeleteAbsentKeyIsNotAnError(t *testing.T) {
	fs := newStore(t)
	assert.NoError(t, fs.Delete("never-existed"))
}
