package email

import (
	"fmt"
	"net/smtp"

	"scriptorium/config"
)

type EmailService struct {
	host     string
	port     string
	user     string
	password string
	from     string
	domain   string
}

func NewEmailService(conf config.EmailConfig, domain string) *EmailService {
	return &EmailService{
		host:     conf.SMTPHost,
		port:     conf.SMTPPort,
		user:     conf.SMTPUser,
		password: conf.SMTPPassword,
		from:     conf.From,
		domain:   domain,
	}
}

// ConfirmationLink is the URL an account follows to confirm its address.
func (e *EmailService) ConfirmationLink(token string) string {
	return fmt.Sprintf("%s/accounts/confirm/%s", e.domain, token)
}

func (e *EmailService) SendConfirmationEmail(to, token string) error {
	if e.host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	subject := "Confirm your email - Scriptorium"
	body := fmt.Sprintf(`
Hello!

Thanks for signing up to Scriptorium.

To confirm your email address and start publishing scripts, follow the link below:

%s

If you did not sign up, you can ignore this message.
`, e.ConfirmationLink(token))

	message := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", e.from, to, subject, body)

	auth := smtp.PlainAuth("", e.user, e.password, e.host)
	addr := fmt.Sprintf("%s:%s", e.host, e.port)

	if err := smtp.SendMail(addr, auth, e.from, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("sending confirmation email: %w", err)
	}

	return nil
}
