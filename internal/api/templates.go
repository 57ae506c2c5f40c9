package api

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*
var templateFS embed.FS

func newTemplates() *template.Template {
	funcs := template.FuncMap{
		"mm": func(f float64) string {
			return fmt.Sprintf("%.1fmm", f)
		},
		"ago": func(now time.Time, t *time.Time) string {
			if t == nil {
				return "never"
			}
			d := now.Sub(*t).Round(time.Second)
			if d < time.Minute {
				return "just now"
			}
			return d.String() + " ago"
		},
		"upper": strings.ToUpper,
	}
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
}
