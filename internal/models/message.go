package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session's append-only history.
type Message struct {
	ID        string    `json:"id,omitempty" db:"id"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ParseRole maps stored role names onto the three known roles.
func ParseRole(raw string) Role {
	switch raw {
	case "user", "human":
		return RoleUser
	case "assistant", "ai":
		return RoleAssistant
	default:
		return RoleSystem
	}
}
