package mail

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendgridMailer delivers access links through the SendGrid API.
type SendgridMailer struct {
	key  string
	from *sgmail.Email
}

var _ Mailer = (*SendgridMailer)(nil)

// NewSendgridMailer creates a SendgridMailer sending from the given address.
func NewSendgridMailer(key, fromName, fromEmail string) *SendgridMailer {
	return &SendgridMailer{
		key:  key,
		from: sgmail.NewEmail(fromName, fromEmail),
	}
}

// SendAccessLink delivers the link asynchronously.
func (m *SendgridMailer) SendAccessLink(link AccessLink) {
	go func() {
		if err := m.send(link); err != nil {
			log.Error().Err(err).Str("to", link.To).Msg("access link delivery failed")
		}
	}()
}

func (m *SendgridMailer) send(link AccessLink) error {
	p := sgmail.NewPersonalization()
	p.Subject = fmt.Sprintf("Educational plan access for %s", link.StudentName)
	p.AddTos(sgmail.NewEmail("", link.To))

	text := fmt.Sprintf(
		"You have been granted access to the individualized educational plan of %s (%s).\n\n"+
			"Open the link below to view it:\n%s\n\n"+
			"The link is valid until %s and may be used up to %d times. Do not forward it.\n",
		link.StudentName, link.TenantName, link.URL,
		link.ExpiresAt.Format("Jan 2, 2006 15:04 MST"), link.UsageLimit,
	)
	html := fmt.Sprintf(
		"<p>You have been granted access to the individualized educational plan of <strong>%s</strong> (%s).</p>"+
			"<p><a href=%q>View the plan</a></p>"+
			"<p>The link is valid until %s and may be used up to %d times. Do not forward it.</p>",
		link.StudentName, link.TenantName, link.URL,
		link.ExpiresAt.Format("Jan 2, 2006 15:04 MST"), link.UsageLimit,
	)

	msg := sgmail.NewV3Mail()
	msg.SetFrom(m.from)
	msg.AddPersonalizations(p)
	msg.AddContent(
		sgmail.NewContent("text/plain", text),
		sgmail.NewContent("text/html", html),
	)

	req := sendgrid.GetRequest(m.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(msg)

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid returned status %d", res.StatusCode)
	}
	return nil
}
