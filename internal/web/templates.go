// Package web holds the embedded HTML pages the broker serves.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

type Templates struct {
	tmpl *template.Template
}

func New() (*Templates, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Templates{tmpl: tmpl}, nil
}

// LoginData fills the login form page.
type LoginData struct {
	Error string
	Next  string
}

// TerminalData fills the terminal shell page.
type TerminalData struct {
	SessionID string
}

func (t *Templates) Index(w http.ResponseWriter) error {
	return t.render(w, "index.html", nil)
}

func (t *Templates) Login(w http.ResponseWriter, status int, data LoginData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return t.tmpl.ExecuteTemplate(w, "login.html", data)
}

func (t *Templates) Terminal(w http.ResponseWriter, data TerminalData) error {
	return t.render(w, "terminal.html", data)
}

func (t *Templates) render(w http.ResponseWriter, name string, data any) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return t.tmpl.ExecuteTemplate(w, name, data)
}
