// Package notify e-mails a summary of a run.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"foiatool/internal/config"
	"foiatool/internal/engine"

	"github.com/docker/go-units"
	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("foiatool.notify")

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

func send(mail *email.Email, addr string, auth smtp.Auth) error {
	return mail.Send(addr, auth)
}

type Notifier struct {
	config config.Notify
	send   sendFunc
}

func NewNotifier(cfg config.Notify) Notifier {
	return Notifier{config: cfg, send: send}
}

// ShouldSend reports whether a run with the given summary warrants an e-mail.
func (n Notifier) ShouldSend(summary engine.Summary) bool {
	if !n.config.Enabled() {
		return false
	}
	if n.config.OnlyOnChange && summary.Downloaded() == 0 && summary.Errors() == 0 {
		return false
	}
	return true
}

// Message builds the summary e-mail.
func (n Notifier) Message(summary engine.Summary) *email.Email {
	mail := email.NewEmail()
	mail.From = n.config.From
	if mail.From == "" {
		mail.From = n.config.Username
	}
	mail.From = fmt.Sprintf("foiatool <%s>", mail.From)
	mail.To = n.config.To
	mail.Subject = Subject(summary)
	mail.Text = []byte(Body(summary))
	return mail
}

func Subject(summary engine.Summary) string {
	subject := fmt.Sprintf("foiatool: %d new document(s)", summary.Downloaded())
	if errs := summary.Errors(); errs > 0 {
		subject += fmt.Sprintf(", %d error(s)", errs)
	}
	return subject
}

func Body(summary engine.Summary) string {
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Run started %s and took %s.\n\n",
		summary.StartedAt.Format("2006-01-02 15:04:05 MST"),
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second),
	)
	for _, site := range summary.Sites {
		fmt.Fprintf(&b, "%s\n", site.Site)
		if failure := site.Failure(); failure != nil {
			fmt.Fprintf(&b, "  failed: %v\n", failure)
		}
		fmt.Fprintf(
			&b,
			"  %d request(s), %d document(s) downloaded (%s), %d skipped, %d failed\n",
			site.Requests,
			site.Downloaded,
			units.HumanSize(float64(site.Bytes)),
			site.Skipped(),
			site.Failed,
		)
		for _, err := range site.SearchErrors {
			fmt.Fprintf(&b, "  search error: %v\n", err)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Send e-mails the summary. Servers that do not support AUTH are retried without it.
func (n Notifier) Send(ctx context.Context, summary engine.Summary) error {
	_, span := tracer.Start(ctx, "notify:Send")
	defer span.End()

	host, _, err := net.SplitHostPort(n.config.SMTPAddr)
	if err != nil {
		return fmt.Errorf("smtp_addr: %w", err)
	}

	mail := n.Message(summary)

	var auth smtp.Auth
	if n.config.Username != "" {
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, host)
	}
	err = n.send(mail, n.config.SMTPAddr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = n.send(mail, n.config.SMTPAddr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("send summary: %w", err)
	}
	return nil
}
