package domain

import "time"

// User is the identity record keyed by email. It is created on the first
// successful sign-in and looked up by email afterwards.
type User struct {
	UserID       string     `json:"id" dynamodbav:"user_id"`
	Email        string     `json:"email" dynamodbav:"email"`
	Name         *string    `json:"name" dynamodbav:"name"`
	Image        *string    `json:"image" dynamodbav:"image"`
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty" dynamodbav:"last_sign_in_at"`
	CreatedAt    time.Time  `json:"created" dynamodbav:"created_at"`
	UpdatedAt    time.Time  `json:"updated" dynamodbav:"updated_at"`
}

type RequestCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type VerifyCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,max=64"`
}
