package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"leadpilot/engine"
	"leadpilot/models"
)

// SMTPTransport delivers queued mail over the sender's own SMTP account.
type SMTPTransport struct{}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{}
}

func (t *SMTPTransport) Send(ctx context.Context, sender *models.Sender, email engine.OutboundEmail) (string, error) {
	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", email.MessageID, domainOf(sender.FromEmail))

	m := gomail.NewMessage()
	m.SetAddressHeader("From", sender.FromEmail, sender.FromName)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", email.Body)

	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	switch strings.ToUpper(sender.Encryption) {
	case "SSL":
		d.SSL = true
	case "TLS", "STARTTLS":
		d.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	}

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("failed to send email: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at != -1 {
		return email[at+1:]
	}
	return "localhost"
}
