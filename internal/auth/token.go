// Package auth verifies the bearer tokens clients attach to chat events and
// resolves them to users.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by a chat token.
type Claims struct {
	UserID        chat.UserID `json:"user_id"`
	Username      string      `json:"username,omitempty"`
	Email         string      `json:"email,omitempty"`
	ProfileImgURL string      `json:"profile_img_url,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks tokens against a single process-wide HS256 secret.
// It is safe for concurrent use.
type Validator struct {
	secret []byte
	users  chat.UserDirectory
	parser *jwt.Parser
}

// Option customizes a Validator.
type Option func(*validatorOptions)

type validatorOptions struct {
	requireExpiry bool
}

// WithRequiredExpiry rejects tokens that carry no exp claim.
func WithRequiredExpiry() Option {
	return func(o *validatorOptions) { o.requireExpiry = true }
}

// NewValidator checks HS256 tokens signed with secret and resolves their
// subject through users.
func NewValidator(secret string, users chat.UserDirectory, opts ...Option) *Validator {
	var o validatorOptions
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if o.requireExpiry {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	return &Validator{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(parserOpts...),
	}
}

// Verify checks the token's signature and encoding and returns its claims.
// An exp claim, when present, must lie in the future.
func (v *Validator) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", chat.ErrAuth, jwt.ErrSignatureInvalid)
	}
	if claims.UserID <= 0 {
		return Claims{}, fmt.Errorf("%w: token has no user_id claim", chat.ErrAuth)
	}
	return claims, nil
}

// ResolveUser looks up the user named by claims. Tokens may outlive the
// account they were issued for; such tokens are reported as ErrAuth.
func (v *Validator) ResolveUser(ctx context.Context, claims Claims) (chat.User, error) {
	user, err := v.users.FindUser(ctx, claims.UserID)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.User{}, fmt.Errorf("%w: user %d no longer exists", chat.ErrAuth, claims.UserID)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("resolve user %d: %w", claims.UserID, err)
	}
	return user, nil
}

// Authenticate verifies token and resolves its user.
func (v *Validator) Authenticate(ctx context.Context, token string) (chat.User, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return chat.User{}, err
	}
	return v.ResolveUser(ctx, claims)
}

// Sign issues a token for claims with the validator's secret.
func (v *Validator) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signed, nil
}
