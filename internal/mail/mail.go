// Package mail delivers import run reports over SMTP.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	gomail "github.com/wneessen/go-mail"

	"object_registry_bot/internal/config"
	"object_registry_bot/internal/importer"
	"object_registry_bot/internal/logging"
)

// sendMail is overridable for tests.
var sendMail = func(ctx context.Context, client *gomail.Client, msg *gomail.Msg) error {
	return client.DialAndSendWithContext(ctx, msg)
}

// Dispatcher sends import reports. A nil Dispatcher is valid and drops every
// report, which is how deployments without SMTP configuration run.
type Dispatcher struct {
	client *gomail.Client
	sender string
	logger *logrus.Entry
}

// NewDispatcher builds a Dispatcher from the SMTP configuration. It returns
// nil without error when mail dispatch is not configured.
func NewDispatcher(cfg config.Config, logger *logrus.Entry) (*Dispatcher, error) {
	if !cfg.MailEnabled() {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Logger()
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.SMTPPort),
	}
	if cfg.SMTPUsername != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.SMTPUsername),
			gomail.WithPassword(cfg.SMTPPassword),
		)
	}

	client, err := gomail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("build smtp client: %w", err)
	}

	return &Dispatcher{
		client: client,
		sender: cfg.MailSender,
		logger: logger,
	}, nil
}

// SendReport mails the run summary to the recipient.
func (d *Dispatcher) SendReport(ctx context.Context, recipient string, report importer.Report) error {
	if d == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(recipient) == "" {
		return errors.New("recipient address is required")
	}

	msg := gomail.NewMsg()
	if err := msg.From(d.sender); err != nil {
		return fmt.Errorf("set sender %q: %w", d.sender, err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("set recipient %q: %w", recipient, err)
	}
	msg.Subject(fmt.Sprintf("Import report %s", report.RunID))
	msg.SetBodyString(gomail.TypeTextPlain, FormatReport(report))

	if err := sendMail(ctx, d.client, msg); err != nil {
		return fmt.Errorf("send report %s: %w", report.RunID, err)
	}

	d.logger.WithFields(logging.Fields{
		"event":  "report_mailed",
		"run_id": report.RunID,
	}).Info("mailed import report")

	return nil
}

// SendRequest mails a message with an xlsx attachment, as materials requests
// are delivered.
func (d *Dispatcher) SendRequest(ctx context.Context, recipient, subject, body, fileName string, workbook []byte) error {
	if d == nil {
		return errors.New("mail dispatch is not configured")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(recipient) == "" {
		return errors.New("recipient address is required")
	}
	if len(workbook) == 0 {
		return errors.New("attachment is empty")
	}

	msg := gomail.NewMsg()
	if err := msg.From(d.sender); err != nil {
		return fmt.Errorf("set sender %q: %w", d.sender, err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("set recipient %q: %w", recipient, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	if err := msg.AttachReader(fileName, bytes.NewReader(workbook)); err != nil {
		return fmt.Errorf("attach %q: %w", fileName, err)
	}

	if err := sendMail(ctx, d.client, msg); err != nil {
		return fmt.Errorf("send request to %s: %w", recipient, err)
	}

	d.logger.WithFields(logging.Fields{
		"event":     "request_mailed",
		"recipient": recipient,
		"file":      fileName,
	}).Info("mailed materials request")

	return nil
}

// FormatReport renders a run summary as plain text: counts first, then one
// line per row that was not imported.
func FormatReport(report importer.Report) string {
	counts := report.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Import run %s\n", report.RunID)
	fmt.Fprintf(&b, "File: %s\n", report.FileName)
	if !report.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", report.StartedAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "\nRows: %d\n", len(report.Outcomes))
	fmt.Fprintf(&b, "Imported: %d\n", counts[importer.RowImported])
	fmt.Fprintf(&b, "Skipped duplicates: %d\n", counts[importer.RowSkippedDuplicate])
	fmt.Fprintf(&b, "Rejected invalid: %d\n", counts[importer.RowRejectedInvalid])

	var header bool
	for _, outcome := range report.Outcomes {
		if outcome.Outcome == importer.RowImported {
			continue
		}
		if !header {
			b.WriteString("\nRows not imported:\n")
			header = true
		}
		fmt.Fprintf(&b, "  line %d: %s (%s)\n", outcome.Line, outcome.Outcome, outcome.Reason)
	}

	return b.String()
}
