package server

import (
	"time"

	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/refresh"
	"github.com/cloudauth/oauthbroker/store"
)

// storedEntryFrom builds the StoredEntry written to the blob store for a
// freshly completed V1 login.
func storedEntryFrom(sc catalog.ServiceConfig, tr refresh.TokenResponse, now time.Time) store.StoredEntry {
	return store.StoredEntry{
		ServiceId:    sc.Id,
		Expires:      now.Add(time.Duration(tr.ExpirySeconds()) * time.Second),
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Json:         tr.RawJSON,
	}
}
