package server

import (
	"encoding/hex"

	"github.com/cloudauth/oauthbroker/pkg/crypto"
)

// RequestState is the value stored under a StartLogin state key while the
// user is away at the provider.
type RequestState struct {
	ServiceId     string
	FetchTokenKey string
	UseV2         bool
}

// FetchTokenEntry is the value stored under a fetch-token key. An empty
// AuthId means the rendezvous slot is still waiting for CompleteLogin or
// the CLI login to fill it in.
type FetchTokenEntry struct {
	AuthId string
}

// randomHexKey returns n hex characters (n/2 random bytes) from a
// cryptographic RNG, used for both the StartLogin state key and the V1
// keyId.
func randomHexKey(n int) (string, error) {
	b, err := crypto.RandBytes((n + 1) / 2)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b)[:n], nil
}
