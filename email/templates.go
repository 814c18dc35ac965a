package email

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// TemplateData is the input of every verification email.
type TemplateData struct {
	Identity  interfaces.IdentityAddress
	Link      string
	ExpiresAt time.Time
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var messageTemplates = map[interfaces.NoncePurpose]messageTemplate{
	interfaces.NoncePurposeEnterRecovery: {
		subject: template.Must(template.New("enter-subject").Parse(`Confirm account recovery for {{.Identity}}`)),
		body: template.Must(template.New("enter-body").Parse(`Someone asked to start account recovery for {{.Identity}}.

If this was you, open the link below to continue. Your recovery delegates will
then be asked to release their shares.

{{.Link}}

The link can be used once and expires at {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}.
If you did not request this, ignore this email.
`)),
	},
	interfaces.NoncePurposeExitRecovery: {
		subject: template.Must(template.New("exit-subject").Parse(`Confirm cancelling account recovery for {{.Identity}}`)),
		body: template.Must(template.New("exit-body").Parse(`Someone asked to cancel the ongoing account recovery for {{.Identity}}.

Open the link below to cancel it. Shares already released by delegates will be discarded.

{{.Link}}

The link can be used once and expires at {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}.
`)),
	},
	interfaces.NoncePurposeFinalize: {
		subject: template.Must(template.New("finalize-subject").Parse(`Your recovery phrase for {{.Identity}} is ready`)),
		body: template.Must(template.New("finalize-body").Parse(`Enough delegates released their shares and your recovery key was reconstructed.

Open the link below to reveal your recovery phrase. It can be used once.

{{.Link}}

The link expires at {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}.
`)),
	},
}

// Render builds the verification email for purpose.
func Render(purpose interfaces.NoncePurpose, to string, data TemplateData) (interfaces.EmailMessage, error) {
	tmpl, ok := messageTemplates[purpose]
	if !ok {
		return interfaces.EmailMessage{}, fmt.Errorf("no email template for purpose %q", purpose)
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return interfaces.EmailMessage{}, fmt.Errorf("render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return interfaces.EmailMessage{}, fmt.Errorf("render body: %w", err)
	}

	return interfaces.EmailMessage{
		To:      to,
		Subject: subject.String(),
		Body:    body.String(),
	}, nil
}
