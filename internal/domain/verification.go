package domain

import "time"

// VerificationCode is the single outstanding one-time code for an identifier.
// PK: identifier. Only the hash of the secret is ever stored.
// ExpiresAt doubles as the DynamoDB TTL attribute (Unix seconds).
type VerificationCode struct {
	Identifier   string    `json:"identifier" dynamodbav:"identifier"`
	HashedSecret string    `json:"-" dynamodbav:"hashed_secret"`
	ExpiresAt    int64     `json:"expires_at" dynamodbav:"expires_at"`
	Attempts     int       `json:"attempts" dynamodbav:"attempts"`
	CreatedAt    time.Time `json:"created" dynamodbav:"created_at"`
}

// Expired reports whether the code is no longer accepted at now.
func (v *VerificationCode) Expired(now time.Time) bool {
	return now.Unix() >= v.ExpiresAt
}

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// RateLimitResult is the outcome of one consume against the per-identifier budget.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}
