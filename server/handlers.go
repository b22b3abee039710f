package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/errs"
	"github.com/cloudauth/oauthbroker/password"
	"github.com/cloudauth/oauthbroker/refresh"
	"github.com/cloudauth/oauthbroker/web"
)

// fetchTokenTTL is how long a pre-registered fetch-token rendezvous slot
// lives before being claimed by a completed login.
const fetchTokenTTL = 5 * time.Minute

// fetchTokenHandoffTTL is the short window the claimed AuthId sits in the
// fetch-token cache once CompleteLogin or the CLI login fills it in.
const fetchTokenHandoffTTL = 30 * time.Second

// requestStateTTL is how long a StartLogin state key is honored while the
// user is away at the provider.
const requestStateTTL = 10 * time.Minute

// minFetchTokenLength is the length a `token` query parameter must exceed
// before it is treated as a real fetch-token key rather than absent.
const minFetchTokenLength = 8

// --- GET / ---------------------------------------------------------------

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if token := q.Get("token"); len(token) > minFetchTokenLength {
		s.fetchTokens.Set(token, FetchTokenEntry{}, fetchTokenTTL)
	}

	typeFilter := q.Get("type")
	redir := q.Get("redir")

	var rows []web.IndexRow
	for _, sc := range s.catalog.List() {
		if typeFilter != "" {
			if sc.Id != typeFilter {
				continue
			}
		} else if sc.Hidden {
			continue
		}

		link := s.indexLink(sc, q.Get("token"), redir)
		rows = append(rows, web.IndexRow{
			Id:         sc.Id,
			Name:       sc.Name,
			BrandImage: sc.BrandImage,
			Notes:      sc.Notes,
			Link:       link,
		})
	}

	title := s.displayName
	if title == "" {
		title = s.appName
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.Index(w, web.IndexData{Title: title, Rows: rows}); err != nil {
		s.logError(r, err)
	}
}

func (s *Server) indexLink(sc catalog.ServiceConfig, token, redir string) string {
	base := "/login"
	if sc.CliToken {
		base = "/cli-token"
	}
	v := url.Values{}
	v.Set("id", sc.Id)
	if token != "" {
		v.Set("token", token)
	}
	if redir != "" {
		v.Set("redir", redir)
	}
	return base + "?" + v.Encode()
}

// --- GET /login ------------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		s.renderHTMLError(w, http.StatusBadRequest, "Missing service id")
		return
	}

	sc, ok := s.catalog.Get(id)
	if !ok {
		s.renderHTMLError(w, http.StatusBadRequest, "Unknown service")
		return
	}

	fetchTokenKey := q.Get("token")
	if fetchTokenKey != "" && !s.fetchTokens.Has(fetchTokenKey) {
		fetchTokenKey = ""
	}

	useV2 := s.store == nil || sc.PreferV2

	stateKey, err := randomHexKey(32)
	if err != nil {
		s.logError(r, err)
		s.renderHTMLError(w, http.StatusInternalServerError, "Internal error, failed to start login")
		return
	}
	if s.requestStates.Has(stateKey) {
		s.renderHTMLError(w, http.StatusInternalServerError, "Internal error, failed to start login")
		return
	}
	s.requestStates.Set(stateKey, RequestState{
		ServiceId:     sc.Id,
		FetchTokenKey: fetchTokenKey,
		UseV2:         useV2,
	}, requestStateTTL)

	oauth2Config := loginOAuth2Config(sc)
	loginURL := oauth2Config.AuthCodeURL(stateKey) + sc.ExtraUrl

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// --- GET /logged-in ---------------------------------------------------------

func (s *Server) handleLoggedIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		s.renderHTMLError(w, http.StatusBadRequest, "Missing state or code")
		return
	}

	rs, ok := s.requestStates.Get(state)
	if !ok {
		s.renderHTMLError(w, http.StatusBadRequest, "Unknown or expired login attempt")
		return
	}

	sc, ok := s.catalog.Get(rs.ServiceId)
	if !ok {
		s.renderHTMLError(w, http.StatusBadRequest, "Unknown service")
		return
	}

	additionalData := map[string]string{}
	for _, name := range sc.AdditionalElements {
		if v := q.Get(name); v != "" {
			additionalData[name] = v
		}
	}

	redirectURI := sc.RedirectUri
	if tok := q.Get("token"); tok != "" {
		sep := "?"
		if strings.Contains(redirectURI, "?") {
			sep = "&"
		}
		redirectURI += sep + "token=" + url.QueryEscape(tok)
	}

	authURL := sc.AuthUrl
	if sc.UseHostnameFromCallback {
		if h := q.Get("hostname"); h != "" {
			authURL = replaceHost(authURL, h)
		}
	}

	form := url.Values{}
	form.Set("client_id", sc.ClientId)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_secret", sc.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")

	tr, err := refresh.Exchange(ctx, s.httpClient, authURL, form)
	if err != nil {
		s.logError(r, err)
		s.renderLoggedInError(w, sc)
		return
	}

	var authId string
	if sc.AccessTokenOnly {
		if tr.AccessToken == "" {
			s.renderLoggedInError(w, sc)
			return
		}
		authId = s.mintAuthId(sc, tr.AccessToken)
	} else {
		if tr.RefreshToken == "" {
			s.renderLoggedInError(w, sc)
			return
		}
		authId, err = s.storeAuthId(sc, rs.UseV2, tr)
		if err != nil {
			s.logError(r, err)
			s.renderLoggedInError(w, sc)
			return
		}
	}

	s.claimFetchToken(rs.FetchTokenKey, authId)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.LoggedIn(w, web.LoggedInData{
		AuthId:         authId,
		ServiceName:    sc.Name,
		AdditionalData: additionalData,
	}); err != nil {
		s.logError(r, err)
	}
}

func (s *Server) renderLoggedInError(w http.ResponseWriter, sc catalog.ServiceConfig) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = s.renderer.LoggedIn(w, web.LoggedInData{
		ServiceName:  sc.Name,
		ErrorMessage: fmt.Sprintf("Server error, you must de-authorize %s", s.appName),
		DeAuthLink:   sc.DeAuthLink,
	})
}

// mintAuthId builds the V2-only AuthId used by the access-token-only and
// CLI resource-owner paths.
func (s *Server) mintAuthId(sc catalog.ServiceConfig, token string) string {
	return "v2:" + sc.Id + ":" + token
}

// storeAuthId mints either a V2 AuthId or writes a new encrypted blob-store
// entry and returns a V1 AuthId.
func (s *Server) storeAuthId(sc catalog.ServiceConfig, useV2 bool, tr refresh.TokenResponse) (string, error) {
	if useV2 || s.store == nil {
		return s.mintAuthId(sc, tr.RefreshToken), nil
	}

	keyId, err := randomHexKey(32)
	if err != nil {
		return "", err
	}
	pass, err := password.Generate(password.DefaultLength)
	if err != nil {
		return "", err
	}

	entry := storedEntryFrom(sc, tr, s.now())
	if err := s.store.Create(keyId, pass, entry); err != nil {
		return "", err
	}
	return keyId + ":" + pass, nil
}

// claimFetchToken performs the CLI rendezvous hand-off: if a fetch-token
// key is attached and its slot is still live, replace it with the minted
// AuthId under a short TTL.
func (s *Server) claimFetchToken(key, authId string) {
	if key == "" {
		return
	}
	if _, ok := s.fetchTokens.Get(key); !ok {
		return
	}
	s.fetchTokens.Set(key, FetchTokenEntry{AuthId: authId}, fetchTokenHandoffTTL)
}

// loginOAuth2Config builds the oauth2.Config used to compute the
// authorization-code redirect URL rather than hand-building the query
// string.
func loginOAuth2Config(sc catalog.ServiceConfig) *oauth2.Config {
	var scopes []string
	if sc.Scope != "" {
		scopes = []string{sc.Scope}
	}
	return &oauth2.Config{
		ClientID:    sc.ClientId,
		RedirectURL: sc.RedirectUri,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  sc.LoginUrl,
			TokenURL: sc.AuthUrl,
		},
	}
}

func replaceHost(rawURL, host string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = host
	return u.String()
}

// --- GET /cli-token, POST /cli-token-login ----------------------------------

func (s *Server) handleCliTokenForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.CliToken(w, web.CliTokenData{
		ServiceId:  q.Get("id"),
		FetchToken: q.Get("token"),
	}); err != nil {
		s.logError(r, err)
	}
}

type cliCredential struct {
	Username  string `json:"username"`
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleCliTokenLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderHTMLError(w, http.StatusBadRequest, "Invalid form")
		return
	}

	id := r.PostForm.Get("id")
	token := r.PostForm.Get("token")
	fetchToken := r.PostForm.Get("fetchtoken")

	if len(token) < 6 {
		s.renderHTMLError(w, http.StatusBadRequest, "Malformed token")
		return
	}

	sc, ok := s.catalog.Get(id)
	if !ok || !sc.CliToken {
		s.renderHTMLError(w, http.StatusBadRequest, "Unknown service")
		return
	}

	cred, err := decodeCliCredential(token)
	if err != nil {
		s.renderHTMLError(w, http.StatusBadRequest, "Malformed token")
		return
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", sc.ClientId)
	form.Set("scope", sc.Scope)
	form.Set("username", cred.Username)
	form.Set("password", cred.AuthToken)

	tr, err := refresh.Exchange(r.Context(), s.httpClient, sc.AuthUrl, form)
	if err != nil {
		s.logError(r, err)
		s.renderLoggedInError(w, sc)
		return
	}
	if tr.AccessToken == "" {
		s.renderLoggedInError(w, sc)
		return
	}

	authId := s.mintAuthId(sc, tr.AccessToken)
	s.claimFetchToken(fetchToken, authId)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.LoggedIn(w, web.LoggedInData{
		AuthId:      authId,
		ServiceName: sc.Name,
	}); err != nil {
		s.logError(r, err)
	}
}

// decodeCliCredential converts a base64url blob (with `-`/`_` substituted
// for `+`/`/` and padding restored) into the {username, auth_token} pair.
func decodeCliCredential(token string) (cliCredential, error) {
	std := strings.NewReplacer("-", "+", "_", "/").Replace(token)
	if rem := len(std) % 4; rem != 0 {
		std += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.DecodeString(std)
	if err != nil {
		return cliCredential{}, err
	}
	var cred cliCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return cliCredential{}, err
	}
	return cred, nil
}

// --- GET /fetch --------------------------------------------------------------

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	callback := q.Get("callback")
	if callback == "" {
		callback = q.Get("jsonp")
	}

	var body map[string]string
	switch {
	case token == "":
		body = map[string]string{"error": "Missing token"}
	default:
		entry, ok := s.fetchTokens.Get(token)
		switch {
		case !ok:
			body = map[string]string{"error": "No such entry"}
		case entry.AuthId == "":
			body = map[string]string{"wait": "Not ready"}
		default:
			body = map[string]string{"authid": entry.AuthId}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		s.logError(r, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if callback != "" {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, "%s(%s)", callback, payload)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// --- GET /privacy-policy -----------------------------------------------------

func (s *Server) handlePrivacyPolicy(w http.ResponseWriter, r *http.Request) {
	if s.privacyPolicyURL != "" {
		http.Redirect(w, r, s.privacyPolicyURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.PrivacyPolicy(w); err != nil {
		s.logError(r, err)
	}
}

// --- GET /revoke, POST /revoked ----------------------------------------------

func (s *Server) handleRevokeForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.Revoke(w, web.RevokeData{}); err != nil {
		s.logError(r, err)
	}
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderRevokeResult(w, http.StatusBadRequest, "Invalid form", true)
		return
	}

	authId := r.PostForm.Get("authid")
	if authId == "" {
		authId = r.Header.Get("X-AuthID")
	}

	if strings.HasPrefix(authId, "v2:") {
		s.renderRevokeResult(w, http.StatusBadRequest,
			"This token cannot be revoked here; de-authorize the application on the storage providers website.", true)
		return
	}

	parts := strings.SplitN(authId, ":", 2)
	if len(parts) != 2 || s.store == nil {
		s.renderRevokeResult(w, http.StatusBadRequest, "Invalid AuthId", true)
		return
	}
	keyId, pass := parts[0], parts[1]

	if _, err := s.store.Get(keyId, pass); err != nil {
		s.renderRevokeResult(w, http.StatusBadRequest, "Invalid AuthId", true)
		return
	}

	if err := s.store.Delete(keyId); err != nil {
		s.logError(r, err)
		s.renderRevokeResult(w, http.StatusInternalServerError, "Internal error, failed to revoke token", true)
		return
	}

	// Revoke reports StatusBadRequest even on success; the message body
	// is what a caller must inspect to tell success from failure.
	s.renderRevokeResult(w, http.StatusBadRequest, "Token is revoked", false)
}

func (s *Server) renderRevokeResult(w http.ResponseWriter, status int, message string, isError bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = s.renderer.Revoke(w, web.RevokeData{Message: message, IsError: isError})
}

// --- GET|POST /refresh --------------------------------------------------------

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var authId string
	switch r.Method {
	case http.MethodPost:
		if err := r.ParseForm(); err == nil {
			authId = r.PostForm.Get("authid")
		}
	case http.MethodGet:
		authId = r.URL.Query().Get("authid")
	default:
		s.writeJSONError(w, errs.MethodNotAllowed())
		return
	}
	if authId == "" {
		authId = r.Header.Get("X-AuthID")
	}
	if authId == "" {
		s.writeJSONError(w, errs.BadRequest("Missing authid"))
		return
	}

	entry, err := s.refresh.Refresh(r.Context(), authId)
	if err != nil {
		s.logError(r, err)
		s.writeJSONError(w, err)
		return
	}

	resp := struct {
		AccessToken string `json:"access_token"`
		Expires     int64  `json:"expires"`
		Type        string `json:"type"`
	}{
		AccessToken: entry.Token,
		Expires:     int64(time.Until(entry.Expires).Seconds()) - 10,
		Type:        entry.ServiceId,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// --- shared error rendering ---------------------------------------------------

func (s *Server) renderHTMLError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = s.renderer.Error(w, web.ErrorData{Status: status, Message: message})
}

// writeJSONError maps err to the JSON error shape used by the API-style
// endpoints (/refresh), setting X-Reason on an Unauthorized response.
func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	if e, ok := err.(*errs.Error); ok {
		status = e.Status
		message = e.Message
		if e.Reason != "" {
			w.Header().Set("X-Reason", e.Reason)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
