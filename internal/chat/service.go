package chat

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultStoreTimeout  = 5 * time.Second
	defaultMaxBodyLength = 4000
)

// Service applies send, edit and remove after authorizing the caller.
// Sending requires channel membership; editing and removing require
// authorship or the global admin permission. Service never broadcasts.
type Service struct {
	auth          Authenticator
	store         MessageStore
	oracle        MembershipOracle
	storeTimeout  time.Duration
	maxBodyLength int
	validate      *validator.Validate
}

// Option customizes a Service.
type Option func(*Service)

// WithStoreTimeout bounds every operation, store calls included.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithMaxBodyLength caps message bodies, counted in runes.
func WithMaxBodyLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBodyLength = n
		}
	}
}

// NewService builds a Service with default timeout and body limit.
func NewService(auth Authenticator, store MessageStore, oracle MembershipOracle, opts ...Option) *Service {
	s := &Service{
		auth:          auth,
		store:         store,
		oracle:        oracle,
		storeTimeout:  defaultStoreTimeout,
		maxBodyLength: defaultMaxBodyLength,
		validate:      validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	_ = s.validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		return f.Kind() != reflect.String || strings.TrimSpace(f.String()) != ""
	})
	return s
}

// Send stores a new message in channelID on behalf of the token's user.
func (s *Service) Send(ctx context.Context, token string, channelID ChannelID, body string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return Result{}, err
	}

	member, err := s.oracle.IsMember(ctx, user.ID, channelID)
	if err != nil {
		return Result{}, fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		return Result{}, fmt.Errorf("%w: user %d is not a member of channel %d", ErrAuthorization, user.ID, channelID)
	}

	if err := s.validateBody(body); err != nil {
		return Result{}, err
	}

	msg, err := s.store.Create(ctx, Draft{ChannelID: channelID, AuthorID: user.ID, Body: body})
	if err != nil {
		return Result{}, fmt.Errorf("create message: %w", err)
	}
	return Result{Actor: user, Message: msg}, nil
}

// Edit replaces the body of messageID. The message keeps its id and channel.
func (s *Service) Edit(ctx context.Context, token string, messageID MessageID, body string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, msg, err := s.authorizeMutation(ctx, token, messageID)
	if err != nil {
		return Result{}, err
	}

	if err := s.validateBody(body); err != nil {
		return Result{}, err
	}

	edited, err := s.store.Edit(ctx, msg.ID, body)
	if err != nil {
		return Result{}, fmt.Errorf("edit message %d: %w", msg.ID, err)
	}
	return Result{Actor: user, Message: edited}, nil
}

// Remove deletes messageID. A second removal of the same id fails with
// ErrNotFound.
func (s *Service) Remove(ctx context.Context, token string, messageID MessageID) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, msg, err := s.authorizeMutation(ctx, token, messageID)
	if err != nil {
		return Result{}, err
	}

	if err := s.store.Delete(ctx, msg.ID); err != nil {
		return Result{}, fmt.Errorf("delete message %d: %w", msg.ID, err)
	}
	return Result{Actor: user, Message: msg}, nil
}

// authorizeMutation resolves the caller and the target message and checks
// the author-or-admin rule shared by edit and remove.
func (s *Service) authorizeMutation(ctx context.Context, token string, messageID MessageID) (User, Message, error) {
	user, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return User{}, Message{}, err
	}

	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return User{}, Message{}, fmt.Errorf("find message %d: %w", messageID, err)
	}

	if msg.AuthorID == user.ID {
		return user, msg, nil
	}

	admin, err := s.oracle.IsAdmin(ctx, user.ID)
	if err != nil {
		return User{}, Message{}, fmt.Errorf("admin lookup: %w", err)
	}
	if !admin {
		return User{}, Message{}, fmt.Errorf("%w: user %d is neither author nor admin of message %d", ErrAuthorization, user.ID, messageID)
	}
	return user, msg, nil
}

func (s *Service) validateBody(body string) error {
	if err := s.validate.Var(body, "notblank"); err != nil {
		return fmt.Errorf("%w: message body must not be empty", ErrValidation)
	}
	if err := s.validate.Var(body, fmt.Sprintf("max=%d", s.maxBodyLength)); err != nil {
		return fmt.Errorf("%w: message body exceeds %d characters", ErrValidation, s.maxBodyLength)
	}
	return nil
}
