// Package web defines the page-rendering surface consumed by the server's
// handlers: an opaque renderer interface with six methods. The default
// implementation parses an embedded html/template set into one shared
// *template.Template group; any Renderer implementation may be
// substituted, since template compilation itself is a pluggable concern.
package web

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
)

//go:embed templates/*.html
var files embed.FS

// FS returns the embedded default template tree.
func FS() fs.FS {
	return files
}

// IndexRow is one listed service on the index page.
type IndexRow struct {
	Id         string
	Name       string
	BrandImage string
	Notes      string
	Link       string
}

// IndexData is the render input for Index.
type IndexData struct {
	Title string
	Rows  []IndexRow
}

// LoggedInData is the render input for LoggedIn,
// shared with the CLI resource-owner login result.
type LoggedInData struct {
	AuthId         string
	ServiceName    string
	DeAuthLink     string
	ErrorMessage   string
	AdditionalData map[string]string
}

// CliTokenData is the render input for CliToken.
type CliTokenData struct {
	ServiceId  string
	FetchToken string
}

// RevokeData is the render input for Revoke, covering both the GET form
// and the POST result page.
type RevokeData struct {
	Message string
	IsError bool
}

// ErrorData is the render input for Error.
type ErrorData struct {
	Status  int
	Message string
}

// Renderer is the six-method rendering surface every handler writes
// through. Handlers only ever see this interface; how (or whether) a
// given implementation uses html/template is its own business.
type Renderer interface {
	Index(w io.Writer, data IndexData) error
	Error(w io.Writer, data ErrorData) error
	LoggedIn(w io.Writer, data LoggedInData) error
	CliToken(w io.Writer, data CliTokenData) error
	PrivacyPolicy(w io.Writer) error
	Revoke(w io.Writer, data RevokeData) error
}

const (
	tmplIndex   = "index.html"
	tmplError   = "error.html"
	tmplLogged  = "logged-in.html"
	tmplCli     = "cli-token.html"
	tmplPrivacy = "privacy-policy.html"
	tmplRevoke  = "revoke.html"
)

// HTMLRenderer is the default Renderer. It parses the embedded
// templates/ directory once at construction, one named template per page.
type HTMLRenderer struct {
	index   *template.Template
	err     *template.Template
	logged  *template.Template
	cli     *template.Template
	privacy *template.Template
	revoke  *template.Template
}

// NewHTMLRenderer parses templates out of assets - FS() for the embedded
// defaults, or an operator-supplied os.DirFS override.
func NewHTMLRenderer(assets fs.FS) (*HTMLRenderer, error) {
	group := template.New("")

	index, err := loadNamed(assets, group, tmplIndex)
	if err != nil {
		return nil, err
	}
	errTmpl, err := loadNamed(assets, group, tmplError)
	if err != nil {
		return nil, err
	}
	logged, err := loadNamed(assets, group, tmplLogged)
	if err != nil {
		return nil, err
	}
	cli, err := loadNamed(assets, group, tmplCli)
	if err != nil {
		return nil, err
	}
	privacy, err := loadNamed(assets, group, tmplPrivacy)
	if err != nil {
		return nil, err
	}
	revoke, err := loadNamed(assets, group, tmplRevoke)
	if err != nil {
		return nil, err
	}

	return &HTMLRenderer{
		index:   index,
		err:     errTmpl,
		logged:  logged,
		cli:     cli,
		privacy: privacy,
		revoke:  revoke,
	}, nil
}

func loadNamed(assets fs.FS, group *template.Template, name string) (*template.Template, error) {
	content, err := fs.ReadFile(assets, "templates/"+name)
	if err != nil {
		return nil, err
	}
	return group.New(name).Parse(string(content))
}

func (h *HTMLRenderer) Index(w io.Writer, data IndexData) error {
	return h.index.Execute(w, data)
}

func (h *HTMLRenderer) Error(w io.Writer, data ErrorData) error {
	return h.err.Execute(w, data)
}

func (h *HTMLRenderer) LoggedIn(w io.Writer, data LoggedInData) error {
	return h.logged.Execute(w, data)
}

func (h *HTMLRenderer) CliToken(w io.Writer, data CliTokenData) error {
	return h.cli.Execute(w, data)
}

func (h *HTMLRenderer) PrivacyPolicy(w io.Writer) error {
	return h.privacy.Execute(w, nil)
}

func (h *HTMLRenderer) Revoke(w io.Writer, data RevokeData) error {
	return h.revoke.Execute(w, data)
}
