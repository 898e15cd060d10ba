package domain

import "time"

// User represents a Telegram user known to the bot. Users without a stored
// record are treated as RoleUser with no private-search allowance.
type User struct {
	UserID         int64     `bson:"user_id" json:"user_id"`
	DisplayName    string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
	Role           string    `bson:"role" json:"role"`
	AllowedPrivate bool      `bson:"allowed_private" json:"allowed_private"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}
