package domain

import "time"

// Audit entry outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Audit target types.
const (
	TargetUser    = "user"
	TargetObject  = "object"
	TargetBinding = "binding"
	TargetSetting = "setting"
	TargetImport  = "import"
	TargetCommand = "command"
	TargetRequest = "materials_request"
)

// AuditEntry is an immutable record of a privileged or mutating action.
// Entries are appended and never updated or deleted by normal operation.
type AuditEntry struct {
	ActorID    int64             `bson:"actor_id" json:"actor_id"`
	Action     string            `bson:"action" json:"action"`
	TargetType string            `bson:"target_type" json:"target_type"`
	TargetID   string            `bson:"target_id,omitempty" json:"target_id,omitempty"`
	Outcome    string            `bson:"outcome" json:"outcome"`
	Detail     map[string]string `bson:"detail,omitempty" json:"detail,omitempty"`
	CreatedAt  time.Time         `bson:"created_at" json:"created_at"`
}
