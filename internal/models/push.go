package models

import "time"

// PushSubscription is one browser push endpoint for a user. There is one row
// per (user, endpoint); re-subscription updates the row in place.
type PushSubscription struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Endpoint   string     `json:"endpoint"`
	P256dhKey  string     `json:"p256dhKey"`
	AuthKey    string     `json:"authKey"`
	UserAgent  string     `json:"userAgent,omitempty"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// VAPIDKeyPair authenticates outbound push sends. Exactly one row is active
// at a time; rotation deactivates the old row and inserts a new active one.
type VAPIDKeyPair struct {
	ID         string    `json:"id"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject"` // mailto: or https: contact
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}
