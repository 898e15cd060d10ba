package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
	"object_registry_bot/internal/ratelimit"
)

const actionCommandDenied = "command_denied"

// RoleResolver supplies the caller's effective role and allow-list standing.
type RoleResolver interface {
	ResolveRole(ctx context.Context, userID int64) (string, error)
	AllowedPrivate(ctx context.Context, userID int64) (bool, error)
}

// RateLimiter admits or rejects one invocation for a user and class.
type RateLimiter interface {
	Allow(userID int64, class ratelimit.Class) error
}

// Request captures the facts about one inbound command needed to authorize it.
type Request struct {
	UserID      int64
	ChatID      int64
	ChatType    string
	Command     string
	HasDocument bool
}

// Decision is the gate's verdict. Reason is nil when Allowed is true.
type Decision struct {
	Allowed bool
	Role    string
	Reason  error
}

// Gate runs the ordered authorization checks for every command.
type Gate struct {
	roles   RoleResolver
	limiter RateLimiter
	audit   *audit.Recorder
	logger  *logrus.Entry
}

// NewGate builds a Gate.
func NewGate(roles RoleResolver, limiter RateLimiter, recorder *audit.Recorder, logger *logrus.Entry) (*Gate, error) {
	if roles == nil {
		return nil, fmt.Errorf("auth: role resolver is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("auth: rate limiter is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Gate{roles: roles, limiter: limiter, audit: recorder, logger: logger}, nil
}

// Authorize evaluates one request. Checks run in a fixed order, role first,
// then rate, then the command's structural requirements, and the first failing
// check decides the outcome. A role lookup failure denies the request.
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	if ctx == nil {
		return g.deny(ctx, req, Spec{}, "", domain.ErrMalformedInput)
	}
	spec, ok := Lookup(req.Command)
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Errorf("unknown command %q: %w", req.Command, domain.ErrMalformedInput)}
	}

	role, err := g.roles.ResolveRole(ctx, req.UserID)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"event":   "authorize_resolve_failed",
			"command": req.Command,
			"user_id": req.UserID,
		}).Warn("denying command, role lookup failed")
		return g.deny(ctx, req, spec, "", err)
	}

	if domain.RolePriority(role) < domain.RolePriority(spec.MinRole) {
		return g.deny(ctx, req, spec, role, domain.ErrInsufficientPrivilege)
	}

	if spec.Class != "" {
		if err := g.limiter.Allow(req.UserID, spec.Class); err != nil {
			return g.deny(ctx, req, spec, role, err)
		}
	}

	if spec.PrivateOnly && req.ChatType != ChatPrivate {
		return g.deny(ctx, req, spec, role, fmt.Errorf("command is only available in a private chat: %w", domain.ErrMalformedInput))
	}
	if spec.GroupOnly && req.ChatType != ChatGroup && req.ChatType != ChatSupergroup {
		return g.deny(ctx, req, spec, role, fmt.Errorf("command is only available in a group chat: %w", domain.ErrMalformedInput))
	}
	if spec.AllowList {
		allowed, err := g.roles.AllowedPrivate(ctx, req.UserID)
		if err != nil {
			return g.deny(ctx, req, spec, role, err)
		}
		// Admins and the superadmin search without an allow-list entry.
		if !allowed && domain.RolePriority(role) < domain.RolePriorityAdmin {
			return g.deny(ctx, req, spec, role, domain.ErrInsufficientPrivilege)
		}
	}
	if spec.NeedsDocument && !req.HasDocument {
		return g.deny(ctx, req, spec, role, fmt.Errorf("command requires an attached document: %w", domain.ErrMalformedInput))
	}

	return Decision{Allowed: true, Role: role}
}

func (g *Gate) deny(ctx context.Context, req Request, spec Spec, role string, reason error) Decision {
	if spec.Mutating {
		g.audit.Record(ctx, domain.AuditEntry{
			ActorID:    req.UserID,
			Action:     actionCommandDenied,
			TargetType: domain.TargetCommand,
			TargetID:   req.Command,
			Outcome:    domain.OutcomeFailure,
			Detail: map[string]string{
				"reason":  reason.Error(),
				"chat_id": strconv.FormatInt(req.ChatID, 10),
			},
		})
	}
	if errors.Is(reason, domain.ErrStorageUnavailable) {
		g.logger.WithFields(logrus.Fields{
			"event":   "authorize_storage_error",
			"command": req.Command,
			"user_id": req.UserID,
		}).Error(reason.Error())
	}
	return Decision{Allowed: false, Role: role, Reason: reason}
}
