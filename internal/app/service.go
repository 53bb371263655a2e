package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"omnipost/internal/entity"
	"omnipost/internal/kv/core"
)

const (
	apiKeyPrefix  = "op_sk_"
	avatarBaseURL = "https://api.dicebear.com/8.x/bottts/svg?seed="

	minProfileName = 3
	maxProfileName = 50
)

var profileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_@-]+$`)

// Service implements the OmniPost operations on top of two entity stores.
type Service struct {
	profiles  *entity.Store[Profile]
	keys      *entity.Store[APIKey]
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	account   Account
	storeOpts []entity.Option
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. It is also handed to the entity stores.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides record id generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithStoreOptions passes options through to both entity stores.
func WithStoreOptions(opts ...entity.Option) Option {
	return func(s *Service) { s.storeOpts = append(s.storeOpts, opts...) }
}

// NewService binds the profile and API key kinds to backend.
func NewService(backend core.Store, opts ...Option) (*Service, error) {
	s := &Service{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	storeOpts := append([]entity.Option{entity.WithLogger(s.logger)}, s.storeOpts...)
	var err error
	if s.profiles, err = entity.New(backend, ProfileKind, storeOpts...); err != nil {
		return nil, err
	}
	if s.keys, err = entity.New(backend, APIKeyKind, storeOpts...); err != nil {
		_ = s.profiles.Close()
		return nil, err
	}
	email := "user@omnipost.example"
	avatar := avatarBaseURL + url.QueryEscape(email)
	s.account = Account{ID: "user_123", Email: email, Plan: "Free", AvatarURL: &avatar}
	return s, nil
}

// Close releases the entity stores. The backend stays open and is closed by
// whoever opened it.
func (s *Service) Close() error {
	return errors.Join(s.profiles.Close(), s.keys.Close())
}

// Profiles exposes the profile store.
func (s *Service) Profiles() *entity.Store[Profile] { return s.profiles }

// APIKeys exposes the API key store.
func (s *Service) APIKeys() *entity.Store[APIKey] { return s.keys }

func (s *Service) timestamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// ListProfiles returns one page of profiles in creation order.
func (s *Service) ListProfiles(ctx context.Context, cursor string, limit int) (entity.Page[Profile], error) {
	return s.profiles.List(ctx, cursor, limit)
}

// GetProfile returns one profile or entity.ErrNotFound.
func (s *Service) GetProfile(ctx context.Context, id string) (Profile, error) {
	return s.profiles.Get(ctx, id)
}

// CreateProfile validates name as given and stores a new profile with no
// connected accounts.
func (s *Service) CreateProfile(ctx context.Context, name string) (Profile, error) {
	if n := utf8.RuneCountInString(name); n < minProfileName || n > maxProfileName {
		return Profile{}, &ValidationError{Field: "name", Message: fmt.Sprintf("Profile name must be between %d and %d characters.", minProfileName, maxProfileName)}
	}
	if !profileNamePattern.MatchString(name) {
		return Profile{}, &ValidationError{Field: "name", Message: "Profile name can only contain letters, numbers, underscores, hyphens, and @."}
	}
	created, err := s.profiles.Create(ctx, Profile{
		ID:                s.newID(),
		Name:              strings.TrimSpace(name),
		ConnectedAccounts: []ConnectedAccount{},
		CreatedAt:         s.timestamp(),
	})
	if err != nil {
		return Profile{}, err
	}
	s.logger.InfoContext(ctx, "profile created", slog.String("id", created.ID), slog.String("name", created.Name))
	return created, nil
}

// UpdateProfileAccounts replaces the connected accounts of an existing profile.
// A nil slice means the field was not supplied.
func (s *Service) UpdateProfileAccounts(ctx context.Context, id string, accounts []ConnectedAccount) (Profile, error) {
	if strings.TrimSpace(id) == "" {
		return Profile{}, &ValidationError{Field: "id", Message: "Invalid ID"}
	}
	if accounts == nil {
		return Profile{}, &ValidationError{Field: "connectedAccounts", Message: "Missing connectedAccounts data."}
	}
	for i, acc := range accounts {
		if !acc.Platform.Valid() {
			return Profile{}, &ValidationError{
				Field:   fmt.Sprintf("connectedAccounts[%d].platform", i),
				Message: fmt.Sprintf("Unsupported platform %q.", acc.Platform),
			}
		}
	}
	return s.profiles.Handle(id).Update(ctx, entity.Fields{"connectedAccounts": accounts})
}

// DeleteProfile removes a profile; unknown ids yield entity.ErrNotFound.
func (s *Service) DeleteProfile(ctx context.Context, id string) (DeleteResult, error) {
	return deleteRecord(ctx, s.logger, s.profiles, id)
}

// ListAPIKeys returns one page of API keys in creation order.
func (s *Service) ListAPIKeys(ctx context.Context, cursor string, limit int) (entity.Page[APIKey], error) {
	return s.keys.List(ctx, cursor, limit)
}

// CreateAPIKey issues a new secret of the form op_sk_<32 hex chars>.
func (s *Service) CreateAPIKey(ctx context.Context) (APIKey, error) {
	created, err := s.keys.Create(ctx, APIKey{
		ID:        s.newID(),
		Key:       apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt: s.timestamp(),
	})
	if err != nil {
		return APIKey{}, err
	}
	s.logger.InfoContext(ctx, "api key created", slog.String("id", created.ID))
	return created, nil
}

// DeleteAPIKey revokes a key; unknown ids yield entity.ErrNotFound.
func (s *Service) DeleteAPIKey(ctx context.Context, id string) (DeleteResult, error) {
	return deleteRecord(ctx, s.logger, s.keys, id)
}

func deleteRecord[T any](ctx context.Context, logger *slog.Logger, store *entity.Store[T], id string) (DeleteResult, error) {
	if strings.TrimSpace(id) == "" {
		return DeleteResult{}, &ValidationError{Field: "id", Message: "Invalid ID"}
	}
	deleted, err := store.Delete(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if !deleted {
		return DeleteResult{}, &entity.Error{Code: entity.CodeNotFound, Entity: store.Kind().Name, ID: id}
	}
	logger.InfoContext(ctx, store.Kind().Name+" deleted", slog.String("id", id))
	return DeleteResult{ID: id, Deleted: true}, nil
}

// Authenticate finds the API key record whose secret equals raw.
func (s *Service) Authenticate(ctx context.Context, raw string) (APIKey, error) {
	if raw == "" {
		return APIKey{}, &UnauthorizedError{Reason: "Missing API Key"}
	}
	errFound := errors.New("found")
	var match APIKey
	err := s.keys.Scan(ctx, func(k APIKey) error {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(raw)) == 1 {
			match = k
			return errFound
		}
		return nil
	})
	switch {
	case errors.Is(err, errFound):
		return match, nil
	case err != nil:
		return APIKey{}, err
	default:
		return APIKey{}, &UnauthorizedError{Reason: "Invalid API Key"}
	}
}

// Upload authenticates rawKey, validates req and records the key as used.
// Publishing itself is simulated: the receipt echoes the request.
func (s *Service) Upload(ctx context.Context, rawKey string, req UploadRequest) (UploadReceipt, error) {
	key, err := s.Authenticate(ctx, rawKey)
	if err != nil {
		return UploadReceipt{}, err
	}
	switch {
	case req.Media == nil || req.Media.Size == 0:
		return UploadReceipt{}, &ValidationError{Field: "media", Message: "Media file is required."}
	case strings.TrimSpace(req.Title) == "":
		return UploadReceipt{}, &ValidationError{Field: "title", Message: "Title is required."}
	case strings.TrimSpace(req.ProfileID) == "":
		return UploadReceipt{}, &ValidationError{Field: "profileId", Message: "Profile ID is required."}
	case len(req.Platforms) == 0:
		return UploadReceipt{}, &ValidationError{Field: "platform[]", Message: "At least one platform is required."}
	}
	for _, p := range req.Platforms {
		if !SocialPlatform(p).Valid() {
			return UploadReceipt{}, &ValidationError{Field: "platform[]", Message: fmt.Sprintf("Unsupported platform %q.", p)}
		}
	}
	exists, err := s.profiles.Handle(req.ProfileID).Exists(ctx)
	if err != nil {
		return UploadReceipt{}, err
	}
	if !exists {
		return UploadReceipt{}, &ValidationError{Field: "profileId", Message: "Profile not found."}
	}
	if _, err := s.keys.Handle(key.ID).Update(ctx, entity.Fields{"lastUsed": s.timestamp()}); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return UploadReceipt{}, &UnauthorizedError{Reason: "Invalid API Key"}
		}
		return UploadReceipt{}, err
	}
	s.logger.InfoContext(ctx, "upload accepted",
		slog.String("key_id", key.ID), slog.String("profile_id", req.ProfileID),
		slog.String("file", req.Media.Name), slog.Int64("size", req.Media.Size))
	return UploadReceipt{
		Message:   "Upload successful!",
		FileName:  req.Media.Name,
		Size:      req.Media.Size,
		ProfileID: req.ProfileID,
		Platforms: append([]string(nil), req.Platforms...),
	}, nil
}

// Account returns the signed-in account.
func (s *Service) Account(context.Context) Account { return s.account }

// ChangeAvatar accepts a new avatar image and returns the URL it is served
// from. Storage is simulated with a freshly seeded generated avatar.
func (s *Service) ChangeAvatar(ctx context.Context, avatar *File) (string, error) {
	if avatar == nil || avatar.Size == 0 {
		return "", &ValidationError{Field: "avatar", Message: "Avatar file is required."}
	}
	newURL := avatarBaseURL + uuid.NewString()
	s.logger.InfoContext(ctx, "avatar changed", slog.String("file", avatar.Name), slog.Int64("size", avatar.Size))
	return newURL, nil
}

// Repair runs entity.Store.Repair for both kinds.
func (s *Service) Repair(ctx context.Context) (map[string]entity.RepairReport, error) {
	out := make(map[string]entity.RepairReport, 2)
	profiles, err := s.profiles.Repair(ctx)
	if err != nil {
		return nil, err
	}
	out[ProfileKind.Name] = profiles
	keys, err := s.keys.Repair(ctx)
	if err != nil {
		return nil, err
	}
	out[APIKeyKind.Name] = keys
	return out, nil
}
