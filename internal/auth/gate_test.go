package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/ratelimit"
)

type fakeRoles struct {
	roles    map[int64]string
	allowed  map[int64]bool
	roleErr  error
	allowErr error
}

func (f *fakeRoles) ResolveRole(_ context.Context, userID int64) (string, error) {
	if f.roleErr != nil {
		return "", f.roleErr
	}
	if role, ok := f.roles[userID]; ok {
		return role, nil
	}
	return domain.RoleUser, nil
}

func (f *fakeRoles) AllowedPrivate(_ context.Context, userID int64) (bool, error) {
	if f.allowErr != nil {
		return false, f.allowErr
	}
	return f.allowed[userID], nil
}

type limiterCall struct {
	userID int64
	class  ratelimit.Class
}

type fakeLimiter struct {
	mu    sync.Mutex
	err   error
	calls []limiterCall
}

func (f *fakeLimiter) Allow(userID int64, class ratelimit.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, limiterCall{userID: userID, class: class})
	return f.err
}

type auditSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *auditSink) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := document.(domain.AuditEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected document type %T", document)
	}
	s.entries = append(s.entries, entry)
	return &mongo.InsertOneResult{}, nil
}

func (s *auditSink) denials(command string) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.AuditEntry
	for _, entry := range s.entries {
		if entry.Action == actionCommandDenied && entry.TargetID == command {
			matched = append(matched, entry)
		}
	}
	return matched
}

func newTestGate(t *testing.T, roles *fakeRoles, limiter RateLimiter) (*Gate, *auditSink) {
	t.Helper()

	sink := &auditSink{}
	logger, _ := test.NewNullLogger()
	recorder := audit.NewRecorder(sink, logrus.NewEntry(logger))

	gate, err := NewGate(roles, limiter, recorder, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate, sink
}

func TestAuthorizeAdminMutation(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	limiter := &fakeLimiter{}
	gate, sink := newTestGate(t, roles, limiter)

	decision := gate.Authorize(context.Background(), Request{
		UserID:   10,
		ChatID:   -500,
		ChatType: ChatPrivate,
		Command:  "object_add",
	})

	if !decision.Allowed {
		t.Fatalf("expected allowed, got reason %v", decision.Reason)
	}
	if decision.Role != domain.RoleAdmin {
		t.Fatalf("expected role %q, got %q", domain.RoleAdmin, decision.Role)
	}
	if len(limiter.calls) != 1 || limiter.calls[0] != (limiterCall{userID: 10, class: ratelimit.ClassMutation}) {
		t.Fatalf("unexpected limiter calls: %+v", limiter.calls)
	}
	if entries := sink.denials("object_add"); len(entries) != 0 {
		t.Fatalf("expected no denial audit, got %+v", entries)
	}
}

func TestAuthorizeRoleCheckedBeforeRate(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{20: domain.RoleUser}}
	limiter := &fakeLimiter{}
	gate, sink := newTestGate(t, roles, limiter)

	decision := gate.Authorize(context.Background(), Request{
		UserID:   20,
		ChatType: ChatPrivate,
		Command:  "object_add",
	})

	if decision.Allowed {
		t.Fatal("expected denial for plain user")
	}
	if !errors.Is(decision.Reason, domain.ErrInsufficientPrivilege) {
		t.Fatalf("expected privilege error, got %v", decision.Reason)
	}
	if len(limiter.calls) != 0 {
		t.Fatalf("limiter consulted before role check passed: %+v", limiter.calls)
	}
	if entries := sink.denials("object_add"); len(entries) != 1 {
		t.Fatalf("expected one denial audit entry, got %d", len(entries))
	}
}

func TestAuthorizeSuperadminOnlyCommands(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{
		10: domain.RoleAdmin,
		1:  domain.RoleSuperadmin,
	}}
	gate, _ := newTestGate(t, roles, &fakeLimiter{})

	denied := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: ChatPrivate, Command: "admin_add"})
	if denied.Allowed || !errors.Is(denied.Reason, domain.ErrInsufficientPrivilege) {
		t.Fatalf("expected admin to be denied admin_add, got %+v", denied)
	}

	allowed := gate.Authorize(context.Background(), Request{UserID: 1, ChatType: ChatPrivate, Command: "admin_add"})
	if !allowed.Allowed {
		t.Fatalf("expected superadmin to pass, got reason %v", allowed.Reason)
	}
}

func TestAuthorizeRateLimited(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	limiter := &fakeLimiter{err: fmt.Errorf("mutation ceiling reached: %w", domain.ErrRateLimitExceeded)}
	gate, sink := newTestGate(t, roles, limiter)

	decision := gate.Authorize(context.Background(), Request{
		UserID:   10,
		ChatType: ChatPrivate,
		Command:  "user_add",
	})

	if decision.Allowed {
		t.Fatal("expected rate denial")
	}
	if !errors.Is(decision.Reason, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit error, got %v", decision.Reason)
	}
	if entries := sink.denials("user_add"); len(entries) != 1 {
		t.Fatalf("expected denial audit entry, got %d", len(entries))
	}
}

func TestAuthorizeExemptCommandSkipsLimiter(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	limiter := &fakeLimiter{err: fmt.Errorf("should not be consulted: %w", domain.ErrRateLimitExceeded)}
	gate, _ := newTestGate(t, roles, limiter)

	for _, command := range []string{"help", "start", "object_list", "admin_list"} {
		roles.roles[10] = domain.RoleSuperadmin
		decision := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: ChatPrivate, Command: command})
		if !decision.Allowed {
			t.Fatalf("%s: expected allowed, got %v", command, decision.Reason)
		}
	}
	if len(limiter.calls) != 0 {
		t.Fatalf("exempt commands consulted the limiter: %+v", limiter.calls)
	}
}

func TestAuthorizeSearchRequiresPrivateChat(t *testing.T) {
	roles := &fakeRoles{
		roles:   map[int64]string{20: domain.RoleUser},
		allowed: map[int64]bool{20: true},
	}
	gate, sink := newTestGate(t, roles, &fakeLimiter{})

	inGroup := gate.Authorize(context.Background(), Request{UserID: 20, ChatType: ChatSupergroup, Command: "object_search"})
	if inGroup.Allowed || !errors.Is(inGroup.Reason, domain.ErrMalformedInput) {
		t.Fatalf("expected malformed-input denial in group chat, got %+v", inGroup)
	}
	if entries := sink.denials("object_search"); len(entries) != 0 {
		t.Fatalf("search denials must not be audited, got %+v", entries)
	}

	inPrivate := gate.Authorize(context.Background(), Request{UserID: 20, ChatType: ChatPrivate, Command: "object_search"})
	if !inPrivate.Allowed {
		t.Fatalf("expected allow-listed user to search in private, got %v", inPrivate.Reason)
	}
}

func TestAuthorizeSearchAllowList(t *testing.T) {
	roles := &fakeRoles{
		roles:   map[int64]string{20: domain.RoleUser, 10: domain.RoleAdmin},
		allowed: map[int64]bool{},
	}
	gate, _ := newTestGate(t, roles, &fakeLimiter{})

	user := gate.Authorize(context.Background(), Request{UserID: 20, ChatType: ChatPrivate, Command: "object_search"})
	if user.Allowed || !errors.Is(user.Reason, domain.ErrInsufficientPrivilege) {
		t.Fatalf("expected non-allow-listed user to be denied, got %+v", user)
	}

	admin := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: ChatPrivate, Command: "object_search"})
	if !admin.Allowed {
		t.Fatalf("expected admin to search without an allow-list entry, got %v", admin.Reason)
	}
}

func TestAuthorizeGroupCommandsRequireGroupChat(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	gate, _ := newTestGate(t, roles, &fakeLimiter{})

	private := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: ChatPrivate, Command: "group_add"})
	if private.Allowed || !errors.Is(private.Reason, domain.ErrMalformedInput) {
		t.Fatalf("expected group_add denied in private chat, got %+v", private)
	}

	for _, chatType := range []string{ChatGroup, ChatSupergroup} {
		decision := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: chatType, Command: "group_add"})
		if !decision.Allowed {
			t.Fatalf("%s: expected group_add allowed, got %v", chatType, decision.Reason)
		}
	}
}

func TestAuthorizeImportRequiresDocument(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	gate, sink := newTestGate(t, roles, &fakeLimiter{})

	bare := gate.Authorize(context.Background(), Request{UserID: 10, ChatType: ChatPrivate, Command: "object_import"})
	if bare.Allowed || !errors.Is(bare.Reason, domain.ErrMalformedInput) {
		t.Fatalf("expected import without document to be denied, got %+v", bare)
	}
	if entries := sink.denials("object_import"); len(entries) != 1 {
		t.Fatalf("expected denial audit entry, got %d", len(entries))
	}

	withDoc := gate.Authorize(context.Background(), Request{
		UserID:      10,
		ChatType:    ChatPrivate,
		Command:     "object_import",
		HasDocument: true,
	})
	if !withDoc.Allowed {
		t.Fatalf("expected import with document allowed, got %v", withDoc.Reason)
	}
}

func TestAuthorizeFailsClosedOnResolveError(t *testing.T) {
	roles := &fakeRoles{roleErr: domain.StorageFailure("resolve role", errors.New("connection reset"))}
	gate, sink := newTestGate(t, roles, &fakeLimiter{})

	decision := gate.Authorize(context.Background(), Request{UserID: 1, ChatType: ChatPrivate, Command: "object_del"})

	if decision.Allowed {
		t.Fatal("expected denial when role lookup fails")
	}
	if !errors.Is(decision.Reason, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", decision.Reason)
	}
	if entries := sink.denials("object_del"); len(entries) != 1 {
		t.Fatalf("expected denial audit entry, got %d", len(entries))
	}
}

func TestAuthorizeUnknownCommand(t *testing.T) {
	gate, _ := newTestGate(t, &fakeRoles{}, &fakeLimiter{})

	decision := gate.Authorize(context.Background(), Request{UserID: 1, ChatType: ChatPrivate, Command: "object_vanish"})
	if decision.Allowed || !errors.Is(decision.Reason, domain.ErrMalformedInput) {
		t.Fatalf("expected malformed-input denial, got %+v", decision)
	}
}

func TestAuthorizeWithRealLimiter(t *testing.T) {
	roles := &fakeRoles{roles: map[int64]string{10: domain.RoleAdmin}}
	limiter := ratelimit.New(30*time.Minute, ratelimit.Ceilings{ratelimit.ClassMutation: 2})
	gate, _ := newTestGate(t, roles, limiter)

	req := Request{UserID: 10, ChatType: ChatPrivate, Command: "object_add"}
	for i := 0; i < 2; i++ {
		if decision := gate.Authorize(context.Background(), req); !decision.Allowed {
			t.Fatalf("call %d: expected allowed, got %v", i+1, decision.Reason)
		}
	}

	decision := gate.Authorize(context.Background(), req)
	if decision.Allowed || !errors.Is(decision.Reason, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected third call rejected, got %+v", decision)
	}
}
