package domain

import "time"

// Group represents a Telegram chat where the bot participates.
type Group struct {
	ChatID    int64     `bson:"chat_id" json:"chat_id"`
	Title     string    `bson:"title,omitempty" json:"title,omitempty"`
	AddedBy   int64     `bson:"added_by,omitempty" json:"added_by,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
