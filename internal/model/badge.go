package model

import "time"

// AccountBadge is a displayable badge attached to an account.
type AccountBadge struct {
	ID         string    `json:"id"`
	Expiration time.Time `json:"expiration"`
	Visible    bool      `json:"visible"`
}

// Merge combines two badges with the same id, keeping the later expiration.
// The badge stays visible if either copy was visible.
func (b AccountBadge) Merge(other AccountBadge) AccountBadge {
	merged := b
	if other.Expiration.After(merged.Expiration) {
		merged.Expiration = other.Expiration
	}
	merged.Visible = b.Visible || other.Visible
	return merged
}
