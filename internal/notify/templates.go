package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/domain"
)

// TemplateData is what subject and body templates are rendered with.
type TemplateData struct {
	Record    domain.Nonconformity
	Recipient domain.User
	URL       string
	Deadline  string
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

type Templates struct {
	byName map[string]compiled
}

// ErrUnknownTemplate is returned when rendering a template that was never configured.
type ErrUnknownTemplate struct{ Name string }

func (e ErrUnknownTemplate) Error() string { return fmt.Sprintf("unknown mail template %q", e.Name) }

func ParseTemplates(cfg map[string]config.TemplateConfig) (*Templates, error) {
	t := &Templates{byName: make(map[string]compiled, len(cfg))}
	for name, tc := range cfg {
		subject, err := template.New(name + ".subject").Option("missingkey=zero").Parse(tc.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", name, err)
		}
		body, err := template.New(name + ".body").Option("missingkey=zero").Parse(tc.Body)
		if err != nil {
			return nil, fmt.Errorf("template %s body: %w", name, err)
		}
		t.byName[name] = compiled{subject: subject, body: body}
	}
	return t, nil
}

// Render builds a queued message addressed to data.Recipient.
func (t *Templates) Render(name string, data TemplateData) (domain.MailMessage, error) {
	c, ok := t.byName[name]
	if !ok {
		return domain.MailMessage{}, ErrUnknownTemplate{Name: name}
	}
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return domain.MailMessage{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return domain.MailMessage{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return domain.MailMessage{
		Template:   name,
		EntityKind: domain.ScopeNonconformity,
		EntityID:   data.Record.ID,
		Recipient:  RecipientAddress(data.Recipient),
		Subject:    strings.TrimSpace(subject.String()),
		Body:       body.String(),
	}, nil
}

// RecipientAddress prefers the user's email and falls back to the user id.
func RecipientAddress(u domain.User) string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}
