package mail

import "time"

// AccessLink is the content of a family access notification: the one-time
// link plus display context. The raw secret is embedded in URL only; it is
// never logged by any Mailer implementation.
type AccessLink struct {
	To          string
	StudentName string
	TenantName  string
	URL         string
	ExpiresAt   time.Time
	UsageLimit  int
}

// Mailer is any service that can deliver access links to guardians.
// Delivery is fire-and-forget: a failed send never fails token issuance.
type Mailer interface {
	SendAccessLink(link AccessLink)
}

// Disabled is a Mailer that silently drops messages. Used when no mail
// provider is configured.
type Disabled struct{}

func (Disabled) SendAccessLink(AccessLink) {}
