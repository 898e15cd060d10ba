// Package telegram hosts the Telegram client, command routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"

	"object_registry_bot/internal/config"
	"object_registry_bot/internal/logging"
)

type botRunner interface {
	Start(ctx context.Context)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"my_chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance and the command dispatcher.
type Client struct {
	bot        botRunner
	dispatcher *Dispatcher
	logger     *logrus.Entry
}

// Option configures the Client's collaborators.
type Option func(*Dispatcher)

// WithGate sets the authorization gate consulted before every command.
func WithGate(gate authorizer) Option {
	return func(d *Dispatcher) { d.gate = gate }
}

// WithIdentity sets the user roster service.
func WithIdentity(identity identityService) Option {
	return func(d *Dispatcher) { d.identity = identity }
}

// WithRegistry sets the object registry.
func WithRegistry(reg registryService) Option {
	return func(d *Dispatcher) { d.registry = reg }
}

// WithGroups sets the group chat directory.
func WithGroups(groups groupDirectory) Option {
	return func(d *Dispatcher) { d.groups = groups }
}

// WithSettings sets the runtime settings service.
func WithSettings(settings settingsService) Option {
	return func(d *Dispatcher) { d.settings = settings }
}

// WithImporter sets the spreadsheet import service.
func WithImporter(imports importService) Option {
	return func(d *Dispatcher) { d.imports = imports }
}

// WithMailer sets the import report mail dispatcher.
func WithMailer(mailer reportMailer) Option {
	return func(d *Dispatcher) { d.mailer = mailer }
}

// WithMaterials sets the materials request service. Left unset, /materials
// reports the feature as disabled.
func WithMaterials(svc materialsService) Option {
	return func(d *Dispatcher) { d.materials = svc }
}

// WithWindowSetter lets the /time command retune the live rate limiter.
func WithWindowSetter(setter windowSetter) Option {
	return func(d *Dispatcher) { d.window = setter }
}

// WithFileFetcher overrides how uploaded documents are downloaded.
func WithFileFetcher(fetcher fileFetcher) Option {
	return func(d *Dispatcher) { d.files = fetcher }
}

// NewClient initializes the Telegram bot with long polling and the command
// dispatcher as default handler.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	dispatcher := newDispatcher(logger)
	dispatcher.files = newBotFileFetcher(cfg.TelegramToken)
	for _, opt := range opts {
		opt(dispatcher)
	}
	if err := dispatcher.checkReady(); err != nil {
		return nil, err
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(dispatcher.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	return &Client{
		bot:        tgBot,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Start begins receiving updates via long polling until the context is
// canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

// storageRetryDelay spaces the single retry allowed for a storage fault.
const storageRetryDelay = 200 * time.Millisecond
