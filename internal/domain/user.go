package domain

import "time"

// User lives in the user directory, the collaborator that resolves
// credentials to an identity. The gateway only ever reads it during login
// and registration; PasswordHash never leaves this package boundary.
type User struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"size:255" json:"name"`
	Role         string    `gorm:"size:64;not null;default:user" json:"role"`
	PasswordHash string    `gorm:"size:128;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
