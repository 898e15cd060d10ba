package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"object_registry_bot/internal/auth"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/importer"
	"object_registry_bot/internal/logging"
	"object_registry_bot/internal/materials"
)

// sender is the Telegram API surface the dispatcher needs; *bot.Bot
// implements it.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
}

type authorizer interface {
	Authorize(ctx context.Context, req auth.Request) auth.Decision
}

type identityService interface {
	Grant(ctx context.Context, actorID, targetID int64, role, displayName string) error
	Revoke(ctx context.Context, actorID, targetID int64) error
	List(ctx context.Context, role string) ([]domain.User, error)
}

type registryService interface {
	CreateObject(ctx context.Context, actorID int64, attrs map[string]string) (domain.Object, error)
	DeleteObject(ctx context.Context, actorID, objectID int64) error
	ListObjects(ctx context.Context) ([]domain.Object, error)
	SearchObjects(ctx context.Context, query string) ([]domain.Object, error)
	BindGroup(ctx context.Context, actorID, chatID, objectID int64) error
	UnbindGroup(ctx context.Context, actorID, chatID, objectID int64) error
	ObjectForGroup(ctx context.Context, chatID int64) (domain.Object, error)
}

type groupDirectory interface {
	EnsureGroup(ctx context.Context, chatID int64, title string, addedBy int64) error
	ListGroups(ctx context.Context) ([]domain.Group, error)
}

type settingsService interface {
	WindowMinutes(ctx context.Context) (int, error)
	SetWindowMinutes(ctx context.Context, actorID int64, minutes int) error
	RecipientEmail(ctx context.Context) (string, error)
	SetRecipientEmail(ctx context.Context, actorID int64, email string) error
}

type importService interface {
	Run(ctx context.Context, actorID int64, fileName string, source importer.RowSource) (importer.Report, error)
}

type reportMailer interface {
	SendReport(ctx context.Context, recipient string, report importer.Report) error
}

type materialsService interface {
	Submit(ctx context.Context, actorID, chatID int64, private bool, requester, text string) (materials.Receipt, error)
}

type windowSetter interface {
	SetWindow(interval time.Duration)
}

// Dispatcher routes parsed commands through the authorization gate into the
// business services and renders replies.
type Dispatcher struct {
	gate      authorizer
	identity  identityService
	registry  registryService
	groups    groupDirectory
	settings  settingsService
	imports   importService
	mailer    reportMailer
	materials materialsService
	window    windowSetter
	files     fileFetcher
	logger    *logrus.Entry
}

func newDispatcher(logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) checkReady() error {
	switch {
	case d.gate == nil:
		return errors.New("authorization gate is required")
	case d.identity == nil:
		return errors.New("identity service is required")
	case d.registry == nil:
		return errors.New("registry is required")
	case d.groups == nil:
		return errors.New("group directory is required")
	case d.settings == nil:
		return errors.New("settings service is required")
	case d.imports == nil:
		return errors.New("import service is required")
	}
	return nil
}

// inbound is one parsed update.
type inbound struct {
	userID      int64
	chatID      int64
	chatType    string
	chatTitle   string
	displayName string
	command     string
	args        []string
	rawArgs     string
	document    *models.Document
}

func (d *Dispatcher) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	d.dispatch(ctx, b, update)
}

func (d *Dispatcher) dispatch(ctx context.Context, tg sender, update *models.Update) {
	if update == nil {
		return
	}

	if update.MyChatMember != nil {
		d.registerGroup(ctx, &update.MyChatMember.Chat, update.MyChatMember.From.ID)
		return
	}
	if update.Message == nil {
		return
	}

	in := parseInbound(update.Message)
	if in.chatType == auth.ChatGroup || in.chatType == auth.ChatSupergroup {
		d.registerGroup(ctx, &update.Message.Chat, in.userID)
	}
	if in.command == "" {
		return
	}

	decision := d.gate.Authorize(ctx, auth.Request{
		UserID:      in.userID,
		ChatID:      in.chatID,
		ChatType:    in.chatType,
		Command:     in.command,
		HasDocument: in.document != nil,
	})
	if !decision.Allowed {
		d.logger.WithFields(logging.Fields{
			"event":    "command_denied",
			"command":  in.command,
			"actor_id": in.userID,
			"chat_id":  in.chatID,
		}).Info(decision.Reason.Error())
		d.reply(ctx, tg, in.chatID, replyForError(decision.Reason))
		return
	}

	d.logger.WithFields(logging.Fields{
		"event":    "command_accepted",
		"command":  in.command,
		"actor_id": in.userID,
		"chat_id":  in.chatID,
		"role":     decision.Role,
	}).Info("dispatching command")

	d.reply(ctx, tg, in.chatID, d.execute(ctx, tg, in, decision.Role))
}

func parseInbound(message *models.Message) inbound {
	in := inbound{
		chatID:    message.Chat.ID,
		chatType:  string(message.Chat.Type),
		chatTitle: message.Chat.Title,
		document:  message.Document,
	}
	if message.From != nil {
		in.userID = message.From.ID
		in.displayName = strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
		if in.displayName == "" {
			in.displayName = message.From.Username
		}
	}

	// a document upload carries its command in the caption
	text := strings.TrimSpace(message.Text)
	if text == "" {
		text = strings.TrimSpace(message.Caption)
	}
	if !strings.HasPrefix(text, "/") {
		return in
	}

	fields := strings.Fields(text)
	command := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	in.command = strings.ToLower(command)
	in.args = fields[1:]
	in.rawArgs = strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	return in
}

func (d *Dispatcher) registerGroup(ctx context.Context, chat *models.Chat, actorID int64) {
	if chat == nil || d.groups == nil {
		return
	}
	if chat.Type != models.ChatTypeGroup && chat.Type != models.ChatTypeSupergroup {
		return
	}

	if err := d.groups.EnsureGroup(ctx, chat.ID, chat.Title, actorID); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "group_register_failed",
			"chat_id": chat.ID,
		}).WithError(err).Warn("failed to register group chat")
	}
}

func (d *Dispatcher) reply(ctx context.Context, tg sender, chatID int64, text string) {
	if tg == nil || text == "" {
		return
	}

	_, err := tg.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "reply_failed",
			"chat_id": chatID,
		}).WithError(err).Warn("failed to send reply")
	}
}

// withStorageRetry retries an operation once when the store was unreachable.
// Any other failure, and a second storage fault, are returned to the caller.
func (d *Dispatcher) withStorageRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}

	select {
	case <-ctx.Done():
		return err
	case <-time.After(storageRetryDelay):
	}

	d.logger.WithField("event", "storage_retry").Warn("retrying after storage fault")
	return op()
}

// replyForError renders the user-visible message for a failed command.
func replyForError(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientPrivilege):
		return "You are not allowed to do that."
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "Rate limit exceeded. Try again later."
	case errors.Is(err, domain.ErrObjectNotFound):
		return "No such object."
	case errors.Is(err, domain.ErrNoBindingExists):
		return "This group is not bound to that object."
	case errors.Is(err, domain.ErrLastSuperadminViolation):
		return "The last superadmin cannot be removed."
	case errors.Is(err, domain.ErrDuplicateEntity):
		return fmt.Sprintf("Already exists: %s", firstErrorLine(err))
	case errors.Is(err, domain.ErrMalformedInput):
		return fmt.Sprintf("Bad request: %s", firstErrorLine(err))
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "Storage is unavailable, the command was not applied. Try again later."
	default:
		return "Something went wrong. Try again later."
	}
}

func firstErrorLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
