package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// SendMail sends an HTML email via SMTP.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	sender := senderAddress()

	addr := fmt.Sprintf("%s:%s", host, port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, smtpAuth(host), sender, []string{to}, msg)
	if err != nil {
		log.Errorf("smtp send error: %v", err)
	} else {
		log.Infof("email sent to %s via %s", to, addr)
	}
	return err
}

// SendMailWithAttachment sends an HTML email with one file attached as a
// multipart/mixed message. Used for invoice delivery.
func SendMailWithAttachment(to string, subject string, body string, attachmentPath string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	sender := senderAddress()

	data, err := os.ReadFile(attachmentPath)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", attachmentPath, err)
	}
	filename := filepath.Base(attachmentPath)

	const boundary = "winger-invoice-boundary"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: application/pdf\r\n")
	msg.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&msg, "Content-Disposition: attachment; filename=%q\r\n\r\n", filename)

	encoded := base64.StdEncoding.EncodeToString(data)
	// RFC 2045 line length limit.
	for len(encoded) > 76 {
		msg.WriteString(encoded[:76])
		msg.WriteString("\r\n")
		encoded = encoded[76:]
	}
	msg.WriteString(encoded)
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	addr := fmt.Sprintf("%s:%s", host, port)
	err = smtp.SendMail(addr, smtpAuth(host), sender, []string{to}, msg.Bytes())
	if err != nil {
		log.Errorf("smtp send error: %v", err)
	} else {
		log.Infof("email with attachment %s sent to %s via %s", filename, to, addr)
	}
	return err
}

func senderAddress() string {
	sender := env.GetEnv("SMTP_SENDER", "")
	if sender == "" {
		sender = "no-reply@localhost"
		log.Warnf("SMTP_SENDER not set, using default sender: %s", sender)
	}
	return sender
}

func smtpAuth(host string) smtp.Auth {
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	if username != "" && password != "" {
		return smtp.PlainAuth("", username, password, host)
	}
	return nil
}
