package token

import (
	"github.com/go-jose/go-jose/v4/jwt"
)

// Claims are the validated contents of an ID token. Raw holds every
// claim, including ones without a dedicated field.
type Claims struct {
	Issuer            string           `json:"iss"`
	Subject           string           `json:"sub"`
	Audience          jwt.Audience     `json:"aud"`
	Expiry            *jwt.NumericDate `json:"exp"`
	IssuedAt          *jwt.NumericDate `json:"iat"`
	NotBefore         *jwt.NumericDate `json:"nbf"`
	AuthorizedParty   string           `json:"azp"`
	Nonce             string           `json:"nonce"`
	Email             string           `json:"email"`
	EmailVerified     *bool            `json:"email_verified"`
	Name              string           `json:"name"`
	Locale            string           `json:"locale"`
	PreferredUsername string           `json:"preferred_username"`
	UPN               string           `json:"upn"`

	Raw map[string]interface{} `json:"-"`
}

// EmailAddress returns email, falling back to upn for providers that
// only send the user principal name.
func (c *Claims) EmailAddress() string {
	if c.Email != "" {
		return c.Email
	}
	return c.UPN
}
