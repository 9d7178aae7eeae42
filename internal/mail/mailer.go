package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"

	"cloudlocker/internal/models"
)

const (
	TemplateVerification  = "verify_email"
	TemplatePasswordReset = "reset_password"
)

// Mailer sends the transactional emails the account flows depend on.
type Mailer interface {
	SendVerification(ctx context.Context, user models.User, link string) error
	SendPasswordReset(ctx context.Context, user models.User, link string) error
}

// Links builds the URLs embedded in emails from the public base URL.
type Links struct {
	base *url.URL
}

// NewLinks validates baseURL, which must be absolute.
func NewLinks(baseURL string) (Links, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return Links{}, fmt.Errorf("parse public base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return Links{}, fmt.Errorf("public base URL %q must be absolute", baseURL)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return Links{base: parsed}, nil
}

// Verification returns <base>/verify-email?token=<token>.
func (l Links) Verification(token string) string {
	return l.build("/verify-email", token)
}

// PasswordReset returns <base>/reset-password?token=<token>.
func (l Links) PasswordReset(token string) string {
	return l.build("/reset-password", token)
}

func (l Links) build(path, token string) string {
	if l.base == nil {
		return path + "?token=" + url.QueryEscape(token)
	}
	u := *l.base
	u.Path += path
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// Message is a rendered email.
type Message struct {
	Template string
	ToEmail  string
	ToName   string
	Subject  string
	Text     string
	HTML     string
}

type templateData struct {
	Name    string
	Link    string
	Product string
}

var (
	textTemplates = texttemplate.Must(texttemplate.New("mail").Parse(`
{{- define "verify_email" -}}
Hi {{.Name}},

Confirm your email address for {{.Product}} by opening the link below:

{{.Link}}

If you did not create an account you can ignore this message.
{{- end -}}
{{- define "reset_password" -}}
Hi {{.Name}},

Someone asked to reset the password on your {{.Product}} account. Open the link below to choose a new one:

{{.Link}}

If this wasn't you, no action is needed and your password stays the same.
{{- end -}}`))

	htmlTemplates = htmltemplate.Must(htmltemplate.New("mail").Parse(`
{{- define "verify_email" -}}
<p>Hi {{.Name}},</p>
<p>Confirm your email address for {{.Product}} by clicking the button below.</p>
<p><a href="{{.Link}}">Verify email</a></p>
<p>If you did not create an account you can ignore this message.</p>
{{- end -}}
{{- define "reset_password" -}}
<p>Hi {{.Name}},</p>
<p>Someone asked to reset the password on your {{.Product}} account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>If this wasn't you, no action is needed and your password stays the same.</p>
{{- end -}}`))
)

var subjects = map[string]string{
	TemplateVerification:  "Confirm your email address",
	TemplatePasswordReset: "Reset your password",
}

var errUnknownTemplate = errors.New("unknown mail template")

// Render builds the message for template addressed to user.
func Render(template, product string, user models.User, link string) (Message, error) {
	subject, ok := subjects[template]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", errUnknownTemplate, template)
	}
	if strings.TrimSpace(user.Email) == "" {
		return Message{}, errors.New("recipient email is required")
	}
	name := strings.TrimSpace(user.DisplayName)
	if name == "" {
		name = user.Email
	}
	data := templateData{Name: name, Link: link, Product: product}

	var text, html bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&text, template, data); err != nil {
		return Message{}, fmt.Errorf("render text %s: %w", template, err)
	}
	if err := htmlTemplates.ExecuteTemplate(&html, template, data); err != nil {
		return Message{}, fmt.Errorf("render html %s: %w", template, err)
	}
	return Message{
		Template: template,
		ToEmail:  user.Email,
		ToName:   strings.TrimSpace(user.DisplayName),
		Subject:  fmt.Sprintf("%s: %s", product, subject),
		Text:     text.String(),
		HTML:     html.String(),
	}, nil
}
