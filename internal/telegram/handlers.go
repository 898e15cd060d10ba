package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"object_registry_bot/internal/auth"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/importer"
	"object_registry_bot/internal/logging"
	"object_registry_bot/internal/materials"
)

func (d *Dispatcher) execute(ctx context.Context, tg sender, in inbound, role string) string {
	switch in.command {
	case "help":
		return auth.HelpFor(role)
	case "start":
		return "Object registry bot. Use /help to see the available commands."
	case "object_search":
		return d.handleObjectSearch(ctx, in)
	case "object_list":
		return d.handleObjectList(ctx)
	case "object_add":
		return d.handleObjectAdd(ctx, in)
	case "object_del":
		return d.handleObjectDel(ctx, in)
	case "object_import":
		return d.handleObjectImport(ctx, tg, in)
	case "materials":
		return d.handleMaterials(ctx, in)
	case "group_add":
		return d.handleGroupBind(ctx, in)
	case "group_del":
		return d.handleGroupUnbind(ctx, in)
	case "group_list":
		return d.handleGroupList(ctx)
	case "user_add":
		return d.handleGrant(ctx, in, domain.RoleUser)
	case "user_del":
		return d.handleRevoke(ctx, in)
	case "user_list":
		return d.handleRoster(ctx, domain.RoleUser)
	case "admin_add":
		return d.handleGrant(ctx, in, domain.RoleAdmin)
	case "admin_del":
		return d.handleRevoke(ctx, in)
	case "admin_list":
		return d.handleRoster(ctx, domain.RoleAdmin)
	case "time":
		return d.handleTime(ctx, in)
	case "recipient_email":
		return d.handleRecipientEmail(ctx, in)
	default:
		return "Unknown command. Use /help."
	}
}

func (d *Dispatcher) handleObjectSearch(ctx context.Context, in inbound) string {
	var objects []domain.Object
	err := d.withStorageRetry(ctx, func() error {
		var opErr error
		objects, opErr = d.registry.SearchObjects(ctx, in.rawArgs)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}
	if len(objects) == 0 {
		return "Nothing found."
	}

	return formatObjects(objects)
}

func (d *Dispatcher) handleObjectList(ctx context.Context) string {
	var objects []domain.Object
	err := d.withStorageRetry(ctx, func() error {
		var opErr error
		objects, opErr = d.registry.ListObjects(ctx)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}
	if len(objects) == 0 {
		return "No objects registered."
	}

	return formatObjects(objects)
}

func (d *Dispatcher) handleObjectAdd(ctx context.Context, in inbound) string {
	attrs, err := parseAttrs(in.args)
	if err != nil {
		return replyForError(err)
	}

	var object domain.Object
	err = d.withStorageRetry(ctx, func() error {
		var opErr error
		object, opErr = d.registry.CreateObject(ctx, in.userID, attrs)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("Created object %d: %s", object.ObjectID, formatAttrs(object.Attrs))
}

func (d *Dispatcher) handleObjectDel(ctx context.Context, in inbound) string {
	objectID, err := parseID(in.args)
	if err != nil {
		return replyForError(err)
	}

	err = d.withStorageRetry(ctx, func() error {
		return d.registry.DeleteObject(ctx, in.userID, objectID)
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("Deleted object %d and its group bindings.", objectID)
}

func (d *Dispatcher) handleObjectImport(ctx context.Context, tg sender, in inbound) string {
	if in.document == nil {
		return replyForError(fmt.Errorf("attach an xlsx document to /object_import: %w", domain.ErrMalformedInput))
	}

	content, err := d.files.Fetch(ctx, tg, in.document)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "import_download_failed",
			"chat_id": in.chatID,
		}).WithError(err).Warn("failed to download import document")
		return "Could not download the attached document. Try again."
	}
	defer content.Close()

	report, err := d.imports.Run(ctx, in.userID, in.document.FileName, importer.NewExcelSource(content))
	if err != nil {
		return replyForError(err)
	}

	d.mailReport(ctx, report)

	counts := report.Counts()
	return fmt.Sprintf("Import %s finished: %d imported, %d duplicates skipped, %d rejected.",
		report.RunID,
		counts[importer.RowImported],
		counts[importer.RowSkippedDuplicate],
		counts[importer.RowRejectedInvalid],
	)
}

// mailReport delivers the run summary to the configured recipient. Mail is
// best effort; the import already committed.
func (d *Dispatcher) mailReport(ctx context.Context, report importer.Report) {
	if d.mailer == nil {
		return
	}

	recipient, err := d.settings.RecipientEmail(ctx)
	if err != nil || recipient == "" {
		if err != nil {
			d.logger.WithField("event", "report_recipient_lookup_failed").WithError(err).Warn("skipping report mail")
		}
		return
	}

	if err := d.mailer.SendReport(ctx, recipient, report); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":  "report_mail_failed",
			"run_id": report.RunID,
		}).WithError(err).Warn("failed to mail import report")
	}
}

func (d *Dispatcher) handleMaterials(ctx context.Context, in inbound) string {
	if d.materials == nil {
		return "Materials requests are disabled on this deployment."
	}

	var receipt materials.Receipt
	err := d.withStorageRetry(ctx, func() error {
		var opErr error
		receipt, opErr = d.materials.Submit(ctx, in.userID, in.chatID, in.chatType == auth.ChatPrivate, in.displayName, in.rawArgs)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Materials request %s sent to %s (%d positions).", receipt.Number, receipt.Recipient, receipt.Lines)
	if len(receipt.Errors) > 0 {
		fmt.Fprintf(&b, "\nLines not recognized (%d):", len(receipt.Errors))
		for i, parseError := range receipt.Errors {
			if i == 3 {
				b.WriteString("\n  ...")
				break
			}
			fmt.Fprintf(&b, "\n  %s", parseError)
		}
	}
	if receipt.Skipped > 0 {
		fmt.Fprintf(&b, "\nLimit is %d positions per request, %d lines did not fit.", materials.MaxLines, receipt.Skipped)
	}
	return b.String()
}

func (d *Dispatcher) handleGroupBind(ctx context.Context, in inbound) string {
	objectID, err := parseID(in.args)
	if err != nil {
		return replyForError(err)
	}

	err = d.withStorageRetry(ctx, func() error {
		return d.registry.BindGroup(ctx, in.userID, in.chatID, objectID)
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("This group is now bound to object %d.", objectID)
}

func (d *Dispatcher) handleGroupUnbind(ctx context.Context, in inbound) string {
	objectID, err := parseID(in.args)
	if err != nil {
		return replyForError(err)
	}

	err = d.withStorageRetry(ctx, func() error {
		return d.registry.UnbindGroup(ctx, in.userID, in.chatID, objectID)
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("This group is no longer bound to object %d.", objectID)
}

func (d *Dispatcher) handleGroupList(ctx context.Context) string {
	var groups []domain.Group
	err := d.withStorageRetry(ctx, func() error {
		var opErr error
		groups, opErr = d.groups.ListGroups(ctx)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}
	if len(groups) == 0 {
		return "No groups registered."
	}

	var b strings.Builder
	b.WriteString("Groups:\n")
	for _, group := range groups {
		title := group.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%d %s", group.ChatID, title)

		object, err := d.registry.ObjectForGroup(ctx, group.ChatID)
		switch {
		case err == nil:
			fmt.Fprintf(&b, " -> object %d", object.ObjectID)
		case errors.Is(err, domain.ErrNoBindingExists):
			b.WriteString(" -> unbound")
		default:
			b.WriteString(" -> binding unavailable")
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleGrant(ctx context.Context, in inbound, role string) string {
	targetID, err := parseID(in.args)
	if err != nil {
		return replyForError(err)
	}
	displayName := strings.TrimSpace(strings.Join(restArgs(in.args), " "))

	err = d.withStorageRetry(ctx, func() error {
		return d.identity.Grant(ctx, in.userID, targetID, role, displayName)
	})
	if err != nil {
		return replyForError(err)
	}

	if role == domain.RoleAdmin {
		return fmt.Sprintf("User %d is now an admin.", targetID)
	}
	return fmt.Sprintf("User %d can now use private search.", targetID)
}

func (d *Dispatcher) handleRevoke(ctx context.Context, in inbound) string {
	targetID, err := parseID(in.args)
	if err != nil {
		return replyForError(err)
	}

	err = d.withStorageRetry(ctx, func() error {
		return d.identity.Revoke(ctx, in.userID, targetID)
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("User %d removed.", targetID)
}

func (d *Dispatcher) handleRoster(ctx context.Context, role string) string {
	var users []domain.User
	err := d.withStorageRetry(ctx, func() error {
		var opErr error
		users, opErr = d.identity.List(ctx, role)
		return opErr
	})
	if err != nil {
		return replyForError(err)
	}
	if len(users) == 0 {
		return fmt.Sprintf("No users with role %s.", role)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Users with role %s:\n", role)
	for _, user := range users {
		fmt.Fprintf(&b, "%d", user.UserID)
		if user.DisplayName != "" {
			fmt.Fprintf(&b, " %s", user.DisplayName)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleTime(ctx context.Context, in inbound) string {
	if len(in.args) == 0 {
		var minutes int
		err := d.withStorageRetry(ctx, func() error {
			var opErr error
			minutes, opErr = d.settings.WindowMinutes(ctx)
			return opErr
		})
		if err != nil {
			return replyForError(err)
		}
		return fmt.Sprintf("Rate window is %d minutes.", minutes)
	}

	minutes, err := strconv.Atoi(in.args[0])
	if err != nil {
		return replyForError(fmt.Errorf("minutes must be an integer: %w", domain.ErrMalformedInput))
	}

	err = d.withStorageRetry(ctx, func() error {
		return d.settings.SetWindowMinutes(ctx, in.userID, minutes)
	})
	if err != nil {
		return replyForError(err)
	}

	if d.window != nil {
		d.window.SetWindow(time.Duration(minutes) * time.Minute)
	}

	return fmt.Sprintf("Rate window set to %d minutes. Windows already open keep their length.", minutes)
}

func (d *Dispatcher) handleRecipientEmail(ctx context.Context, in inbound) string {
	if len(in.args) == 0 {
		var email string
		err := d.withStorageRetry(ctx, func() error {
			var opErr error
			email, opErr = d.settings.RecipientEmail(ctx)
			return opErr
		})
		if err != nil {
			return replyForError(err)
		}
		if email == "" {
			return "No report recipient configured."
		}
		return fmt.Sprintf("Report recipient is %s.", email)
	}

	email := in.args[0]
	err := d.withStorageRetry(ctx, func() error {
		return d.settings.SetRecipientEmail(ctx, in.userID, email)
	})
	if err != nil {
		return replyForError(err)
	}

	return fmt.Sprintf("Report recipient set to %s.", email)
}

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("an integer id argument is required: %w", domain.ErrMalformedInput)
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%q is not a valid id: %w", args[0], domain.ErrMalformedInput)
	}

	return id, nil
}

func restArgs(args []string) []string {
	if len(args) <= 1 {
		return nil
	}
	return args[1:]
}

func parseAttrs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("pass attributes as key=value pairs: %w", domain.ErrMalformedInput)
	}

	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("%q is not a key=value pair: %w", arg, domain.ErrMalformedInput)
		}
		attrs[key] = value
	}

	return attrs, nil
}

func formatObjects(objects []domain.Object) string {
	var b strings.Builder
	for _, object := range objects {
		fmt.Fprintf(&b, "%d: %s\n", object.ObjectID, formatAttrs(object.Attrs))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+attrs[key])
	}
	return strings.Join(pairs, " ")
}
