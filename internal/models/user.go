package models

import (
	"time"
)

// Account is the slice of a marketplace user the OTP flows need.
type Account struct {
	ID           string    `json:"id" dynamodbav:"id"`
	Email        string    `json:"email" dynamodbav:"email"`
	PhoneNumber  string    `json:"phone_number,omitempty" dynamodbav:"phone_number,omitempty"`
	PasswordHash string    `json:"-" dynamodbav:"password_hash,omitempty"`
	Verified     bool      `json:"verified" dynamodbav:"verified"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (a *Account) GetPK() string {
	return "ACCOUNT#" + a.Email
}

func (a *Account) GetSK() string {
	return "METADATA"
}
