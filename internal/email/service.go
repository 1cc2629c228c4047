package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/dkrizan/accountd/internal/logging"
)

// Service delivers account notification mail over SMTP. Success means the
// upstream server accepted the message, nothing more.
type Service struct {
	smtpHost     string
	smtpPort     string
	smtpUser     string
	smtpPassword string
	fromEmail    string
	frontendURL  string
}

func NewService(smtpHost, smtpPort, smtpUser, smtpPassword, frontendURL string) *Service {
	return &Service{
		smtpHost:     smtpHost,
		smtpPort:     smtpPort,
		smtpUser:     smtpUser,
		smtpPassword: smtpPassword,
		fromEmail:    smtpUser,
		frontendURL:  frontendURL,
	}
}

// SendVerificationEmail sends the email-verification link for a freshly
// registered account.
func (s *Service) SendVerificationEmail(ctx context.Context, toEmail, username, tokenStr string) error {
	logger := logging.GetLoggerFromContext(ctx)

	link := fmt.Sprintf("%s/verify-email?token=%s", s.frontendURL, tokenStr)

	body, err := renderTemplate(verificationTemplate, linkData{Username: username, Link: link})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	if err := s.send(toEmail, "Verify your email address", body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info("verification email sent", "email", toEmail)
	return nil
}

// SendPasswordResetEmail sends the password-reset link.
func (s *Service) SendPasswordResetEmail(ctx context.Context, toEmail, username, tokenStr string) error {
	logger := logging.GetLoggerFromContext(ctx)

	link := fmt.Sprintf("%s/reset-password?token=%s", s.frontendURL, tokenStr)

	body, err := renderTemplate(resetTemplate, linkData{Username: username, Link: link})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	if err := s.send(toEmail, "Reset your password", body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info("password reset email sent", "email", toEmail)
	return nil
}

func (s *Service) send(to, subject, body string) error {
	auth := smtp.PlainAuth("", s.smtpUser, s.smtpPassword, s.smtpHost)

	msg := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		s.fromEmail, to, subject, body,
	))

	addr := fmt.Sprintf("%s:%s", s.smtpHost, s.smtpPort)
	return smtp.SendMail(addr, auth, s.fromEmail, []string{to}, msg)
}

type linkData struct {
	Username string
	Link     string
}

func renderTemplate(tmpl string, data linkData) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

const verificationTemplate = `
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; color: #333;">
    <h2>Hello {{.Username}},</h2>
    <p>Thank you for signing up! Please click the button below to verify your email address and activate your account.</p>
    <p>
        <a href="{{.Link}}" style="display:inline-block;padding:12px 30px;background:#3b82f6;color:white;border-radius:4px;text-decoration:none;">
            Verify Email Address
        </a>
    </p>
    <p>Or copy and paste this link into your browser:</p>
    <p style="word-break: break-all; color: #3b82f6;">{{.Link}}</p>
    <p style="margin-top: 30px;">If you didn't create an account, you can safely ignore this email.</p>
    <p style="font-size: 12px; color: #666;">This link will expire in 10 minutes.</p>
</body>
</html>
`

const resetTemplate = `
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; color: #333;">
    <h2>Hello {{.Username}},</h2>
    <p>You requested to reset your password. Click the button below to choose a new one.</p>
    <p>
        <a href="{{.Link}}" style="display:inline-block;padding:12px 30px;background:#3b82f6;color:white;border-radius:4px;text-decoration:none;">
            Reset Password
        </a>
    </p>
    <p>Or copy and paste this link into your browser:</p>
    <p style="word-break: break-all; color: #3b82f6;">{{.Link}}</p>
    <p style="margin-top: 30px;">If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    <p style="font-size: 12px; color: #666;">This link will expire in 15 minutes.</p>
</body>
</html>
`
