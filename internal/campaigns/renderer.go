package campaigns

import (
	"bytes"
	"log/slog"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Renderer personalizes campaign subject and body per recipient. Campaign
// authors write Go template placeholders ({{.Name}}, {{.Email}}); anything
// that fails to parse or execute falls back to the raw text so a bad template
// degrades to an impersonal email instead of a failed send.
type Renderer struct {
	titler cases.Caser
}

// NewRenderer creates a campaign renderer.
func NewRenderer() *Renderer {
	return &Renderer{titler: cases.Title(language.English)}
}

// recipientData is the template context for one recipient.
type recipientData struct {
	Name  string
	Email string
}

// Personalize renders subject and body for one recipient.
func (r *Renderer) Personalize(subject, body string, recipient Recipient) (string, string) {
	data := recipientData{
		Name:  r.displayName(recipient),
		Email: recipient.Email,
	}

	return r.render("subject", subject, data), r.render("body", body, data)
}

func (r *Renderer) render(name, text string, data recipientData) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		slog.Warn("campaign template does not parse, sending raw", "template", name, "error", err)
		return text
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		slog.Warn("campaign template failed to execute, sending raw", "template", name, "error", err)
		return text
	}
	return buf.String()
}

// displayName returns a presentable recipient name, title-cased, falling back
// to the mailbox part of the address.
func (r *Renderer) displayName(recipient Recipient) string {
	name := strings.TrimSpace(recipient.Name)
	if name == "" {
		if at := strings.Index(recipient.Email, "@"); at > 0 {
			name = recipient.Email[:at]
		} else {
			name = recipient.Email
		}
	}
	return r.titler.String(strings.ToLower(name))
}
