package domain

import "time"

type APIKey struct {
	TokenHash string
	UserID    string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// View records when a user last looked at an entity.
type View struct {
	EntityName string
	EntityID   string
	UserID     string
	LastViewed time.Time
}
