package models

import "time"

type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ProviderKey describes a stored provider API key without exposing it.
type ProviderKey struct {
	Provider  string    `json:"provider" db:"provider"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
