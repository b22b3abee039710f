// Package catalog holds the read-only service catalog: the process-local
// map from service id to ServiceConfig. Parsing the catalog
// file is out of scope; this package accepts an already-decoded
// []Record and does the merge-with-defaults and %PLACEHOLDER% expansion
// pass explicitly, field by field, in place of a reflection-based
// projection.
package catalog

import "strings"

// ServiceConfig describes one third-party OAuth provider.
// It is immutable for the lifetime of the process once loaded.
type ServiceConfig struct {
	Id           string
	Name         string
	ClientId     string
	ClientSecret string
	AuthUrl      string
	LoginUrl     string
	Scope        string
	RedirectUri  string
	ExtraUrl     string
	ServiceLink  string
	DeAuthLink   string
	BrandImage   string
	Notes        string

	Hidden                         bool
	NoStateForTokenRequest         bool
	NoRedirectUriForRefreshRequest bool
	CliToken                       bool
	PreferV2                       bool
	AccessTokenOnly                bool
	UseHostnameFromCallback        bool

	// AdditionalElements lists callback query-parameter names to echo
	// back to the rendered logged-in page.
	AdditionalElements []string
}

// Record is the loosely-typed shape a catalog loader decodes from its
// configuration source (YAML, JSON, whatever CONFIGFILE points at) before
// defaults and placeholders are applied. Fields left zero-valued fall back
// to defaults or are expanded from placeholders.
type Record struct {
	Id                             string
	Name                           string
	ClientId                       string
	ClientSecret                   string
	AuthUrl                        string
	LoginUrl                       string
	Scope                          string
	RedirectUri                    string
	ExtraUrl                       string
	ServiceLink                    string
	DeAuthLink                     string
	BrandImage                     string
	Notes                          string
	Hidden                         bool
	NoStateForTokenRequest         bool
	NoRedirectUriForRefreshRequest bool
	CliToken                       bool
	PreferV2                       bool
	AccessTokenOnly                bool
	UseHostnameFromCallback        bool
	AdditionalElements             string // comma-separated
}

// Catalog is the read-only id -> ServiceConfig lookup.
type Catalog struct {
	byId map[string]ServiceConfig
}

// New builds a Catalog from already-decoded records, applying default
// resolution and placeholder expansion. hostname feeds %HOSTNAME% and
// %OAUTH_CALLBACK_URI% (https://<hostname>/logged-in); secrets supplies
// %SECRET_NAME% substitutions loaded from the SECRETS file.
func New(records []Record, hostname string, secrets map[string]string) *Catalog {
	c := &Catalog{byId: make(map[string]ServiceConfig, len(records))}
	callbackURI := "https://" + hostname + "/logged-in"

	for _, r := range records {
		sc := ServiceConfig{
			Id:                             r.Id,
			Name:                           defaultString(r.Name, r.Id),
			ClientId:                       r.ClientId,
			ClientSecret:                   r.ClientSecret,
			AuthUrl:                        r.AuthUrl,
			LoginUrl:                       r.LoginUrl,
			Scope:                          r.Scope,
			RedirectUri:                    defaultString(r.RedirectUri, callbackURI),
			ExtraUrl:                       r.ExtraUrl,
			ServiceLink:                    r.ServiceLink,
			DeAuthLink:                     r.DeAuthLink,
			BrandImage:                     r.BrandImage,
			Notes:                          r.Notes,
			Hidden:                         r.Hidden,
			NoStateForTokenRequest:         r.NoStateForTokenRequest,
			NoRedirectUriForRefreshRequest: r.NoRedirectUriForRefreshRequest,
			CliToken:                       r.CliToken,
			PreferV2:                       r.PreferV2,
			AccessTokenOnly:                r.AccessTokenOnly,
			UseHostnameFromCallback:        r.UseHostnameFromCallback,
			AdditionalElements:             splitNonEmpty(r.AdditionalElements),
		}

		sc = expandPlaceholders(sc, hostname, callbackURI, secrets)
		c.byId[sc.Id] = sc
	}
	return c
}

// Get returns the service by id, or ok=false if the catalog has none.
func (c *Catalog) Get(id string) (ServiceConfig, bool) {
	sc, ok := c.byId[id]
	return sc, ok
}

// List returns every service, in no particular order. Callers filtering
// the index page apply Hidden exclusion and the `type`
// query filter themselves.
func (c *Catalog) List() []ServiceConfig {
	out := make([]ServiceConfig, 0, len(c.byId))
	for _, sc := range c.byId {
		out = append(out, sc)
	}
	return out
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPlaceholders performs literal string substitution of
// %OAUTH_CALLBACK_URI%, %HOSTNAME%, and %SECRET_NAME% for each entry in
// secrets. It runs after default resolution so a RedirectUri that fell
// back to the default callback already contains the final value.
func expandPlaceholders(sc ServiceConfig, hostname, callbackURI string, secrets map[string]string) ServiceConfig {
	replacer := buildReplacer(hostname, callbackURI, secrets)

	sc.ClientId = replacer.Replace(sc.ClientId)
	sc.ClientSecret = replacer.Replace(sc.ClientSecret)
	sc.AuthUrl = replacer.Replace(sc.AuthUrl)
	sc.LoginUrl = replacer.Replace(sc.LoginUrl)
	sc.Scope = replacer.Replace(sc.Scope)
	sc.RedirectUri = replacer.Replace(sc.RedirectUri)
	sc.ExtraUrl = replacer.Replace(sc.ExtraUrl)
	sc.ServiceLink = replacer.Replace(sc.ServiceLink)
	sc.DeAuthLink = replacer.Replace(sc.DeAuthLink)
	return sc
}

func buildReplacer(hostname, callbackURI string, secrets map[string]string) *strings.Replacer {
	pairs := []string{
		"%OAUTH_CALLBACK_URI%", callbackURI,
		"%HOSTNAME%", hostname,
	}
	for name, value := range secrets {
		pairs = append(pairs, "%"+name+"%", value)
	}
	return strings.NewReplacer(pairs...)
}
