// Package domain contains core domain types for the chat worker.
package domain

import "time"

// Credential is the stored password record for a username.
type Credential struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserInfo is the non-sensitive description of an authenticated caller.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}
