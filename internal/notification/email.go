package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/models"
)

// Mailer sends fire-and-forget notifications. Callers log failures and
// move on; mail never gates an order.
type Mailer interface {
	SendOrderConfirmation(order models.Order, downloadURLs []string) error
	SendOperatorCopy(order models.Order, unresolvedCount int) error
	SendRefundNotice(order models.Order) error
}

type SMTPMailer struct {
	cfg config.EmailConfig
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) send(to, subject, body string) error {
	if m.cfg.SMTPHost == "" || to == "" {
		return fmt.Errorf("mailer not configured or recipient empty")
	}

	addr := m.cfg.SMTPHost + ":" + m.cfg.SMTPPort
	msg := strings.Join([]string{
		"From: " + m.cfg.FromAddress,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}

	return smtp.SendMail(addr, auth, m.cfg.FromAddress, []string{to}, []byte(msg))
}

func (m *SMTPMailer) SendOrderConfirmation(order models.Order, downloadURLs []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nThanks for your purchase (order %s, total %.2f %s).\n",
		order.CustomerName, order.ID, order.Total, strings.ToUpper(order.Currency))
	if len(downloadURLs) > 0 {
		b.WriteString("\nYour downloads:\n")
		for _, u := range downloadURLs {
			fmt.Fprintf(&b, "  %s\n", u)
		}
	}
	b.WriteString("\nDownload links expire, so grab your files soon.\n")

	return m.send(order.CustomerEmail, fmt.Sprintf("Your order %s", order.ID), b.String())
}

func (m *SMTPMailer) SendOperatorCopy(order models.Order, unresolvedCount int) error {
	body := fmt.Sprintf("Order %s fulfilled for %s (%.2f %s).",
		order.ID, order.CustomerEmail, order.Total, strings.ToUpper(order.Currency))
	if unresolvedCount > 0 {
		body += fmt.Sprintf("\n%d line item(s) could not be matched to a product and need review.", unresolvedCount)
	}
	return m.send(m.cfg.OperatorEmail, fmt.Sprintf("Order fulfilled: %s", order.ID), body)
}

func (m *SMTPMailer) SendRefundNotice(order models.Order) error {
	body := fmt.Sprintf("Hi %s,\n\nYour order %s has been refunded (%.2f %s). Download access has been disabled.\n",
		order.CustomerName, order.ID, order.RefundedTotal, strings.ToUpper(order.Currency))
	return m.send(order.CustomerEmail, fmt.Sprintf("Refund for order %s", order.ID), body)
}
