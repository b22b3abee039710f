// Package config loads the broker's process configuration from
// environment variables via an explicit merge pass rather than a
// reflection-based one, the same preference the catalog package follows
// for its own field resolution.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/pkg/crypto"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Hostname         string
	AppName          string
	DisplayName      string
	Services         []string // SERVICES filter, empty means "all"
	Storage          string   // STORAGE: directory path, or file://...?pathmapped=true
	PrivacyPolicyURL string

	Records []catalog.Record
	Secrets map[string]string
}

// Load reads the broker's configuration from the process environment:
// HOSTNAME, APPNAME, DISPLAYNAME, SERVICES, SECRETS, SECRETS_PASSPHRASE,
// CONFIGFILE, STORAGE, and PRIVACY_POLICY_URL.
func Load(getenv func(string) string) (Config, error) {
	c := Config{
		Hostname:         getenv("HOSTNAME"),
		AppName:          getenv("APPNAME"),
		DisplayName:      getenv("DISPLAYNAME"),
		Storage:          getenv("STORAGE"),
		PrivacyPolicyURL: getenv("PRIVACY_POLICY_URL"),
	}
	if c.Hostname == "" {
		return Config{}, fmt.Errorf("config: HOSTNAME is required")
	}
	if c.AppName == "" {
		return Config{}, fmt.Errorf("config: APPNAME is required")
	}
	if v := getenv("SERVICES"); v != "" {
		c.Services = splitCSV(v)
	}

	passphrase := getenv("SECRETS_PASSPHRASE")

	if v := getenv("SECRETS"); v != "" {
		raw, err := loadBlob(v, passphrase)
		if err != nil {
			return Config{}, fmt.Errorf("config: loading SECRETS: %w", err)
		}
		secrets := map[string]string{}
		if err := yaml.Unmarshal(raw, &secrets); err != nil {
			return Config{}, fmt.Errorf("config: parsing SECRETS: %w", err)
		}
		c.Secrets = secrets
	}

	if v := getenv("CONFIGFILE"); v != "" {
		raw, err := loadBlob(v, passphrase)
		if err != nil {
			return Config{}, fmt.Errorf("config: loading CONFIGFILE: %w", err)
		}
		var records []catalog.Record
		if err := yaml.Unmarshal(raw, &records); err != nil {
			return Config{}, fmt.Errorf("config: parsing CONFIGFILE: %w", err)
		}
		c.Records = records
	}

	return c, nil
}

// Catalog resolves the loaded records and secrets into a *catalog.Catalog,
// applying the SERVICES filter by dropping any record whose id
// is not named.
func (c Config) Catalog() *catalog.Catalog {
	records := c.Records
	if len(c.Services) > 0 {
		allowed := make(map[string]bool, len(c.Services))
		for _, id := range c.Services {
			allowed[id] = true
		}
		filtered := make([]catalog.Record, 0, len(records))
		for _, r := range records {
			if allowed[r.Id] {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	return catalog.New(records, c.Hostname, c.Secrets)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadBlob resolves a SECRETS/CONFIGFILE value: either a file path or a
// `base64:<...>` inline payload, optionally AES-GCM encrypted
// under passphrase with a 16-byte salt prepended to the ciphertext.
func loadBlob(location, passphrase string) ([]byte, error) {
	var raw []byte
	if strings.HasPrefix(location, "base64:") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(location, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decoding inline base64 payload: %w", err)
		}
		raw = decoded
	} else {
		content, err := os.ReadFile(location)
		if err != nil {
			return nil, err
		}
		raw = content
	}

	if passphrase == "" {
		return raw, nil
	}
	return decryptWithPassphrase(raw, passphrase)
}

const (
	saltSize   = 16
	pbkdf2Iter = 4096
	keySize    = 32
)

// decryptWithPassphrase derives a key from passphrase and the leading
// salt bytes, the same salt-then-ciphertext layout the blob store uses
// for V1 credentials (store/store.go), and opens the remainder with the
// same AES-GCM primitive (pkg/crypto.Decrypt).
func decryptWithPassphrase(payload []byte, passphrase string) ([]byte, error) {
	if len(payload) < saltSize {
		return nil, fmt.Errorf("encrypted payload too short")
	}
	salt, ciphertext := payload[:saltSize], payload[saltSize:]
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, keySize, sha256.New)
	return crypto.Decrypt(ciphertext, key)
}
