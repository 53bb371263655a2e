// Package app holds the OmniPost domain: profiles with their connected social
// accounts, API keys used by the upload endpoint, and the mock account.
package app

import "omnipost/internal/entity"

// SocialPlatform names a network a profile can publish to.
type SocialPlatform string

const (
	PlatformFacebook  SocialPlatform = "facebook"
	PlatformInstagram SocialPlatform = "instagram"
	PlatformLinkedIn  SocialPlatform = "linkedin"
	PlatformTikTok    SocialPlatform = "tiktok"
	PlatformX         SocialPlatform = "x"
	PlatformThreads   SocialPlatform = "threads"
)

// Platforms lists every supported platform.
func Platforms() []SocialPlatform {
	return []SocialPlatform{PlatformFacebook, PlatformInstagram, PlatformLinkedIn, PlatformTikTok, PlatformX, PlatformThreads}
}

// Valid reports whether p is a supported platform.
func (p SocialPlatform) Valid() bool {
	for _, known := range Platforms() {
		if p == known {
			return true
		}
	}
	return false
}

// ConnectedAccount links a profile to one social account.
type ConnectedAccount struct {
	ID       string         `json:"id"`
	Platform SocialPlatform `json:"platform"`
	Username string         `json:"username"`
}

// Profile groups the social accounts a post can be published to.
type Profile struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	ConnectedAccounts []ConnectedAccount `json:"connectedAccounts"`
	CreatedAt         string             `json:"createdAt"`
}

// APIKey authenticates upload requests. LastUsed is nil until first use.
type APIKey struct {
	ID        string  `json:"id"`
	Key       string  `json:"key"`
	CreatedAt string  `json:"createdAt"`
	LastUsed  *string `json:"lastUsed"`
}

// Account is the signed-in user. There is no authentication yet, so it is a
// fixed mock.
type Account struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Plan      string  `json:"plan"`
	AvatarURL *string `json:"avatarUrl"`
}

// ProfileKind stores profiles under "profile/{id}" indexed by "profiles".
var ProfileKind = entity.Kind[Profile]{
	Name:      "profile",
	IndexName: "profiles",
	Initial:   Profile{ConnectedAccounts: []ConnectedAccount{}},
	ID:        func(p Profile) string { return p.ID },
}

// APIKeyKind stores API keys under "apikey/{id}" indexed by "apikeys".
var APIKeyKind = entity.Kind[APIKey]{
	Name:      "apikey",
	IndexName: "apikeys",
	Initial:   APIKey{},
	ID:        func(k APIKey) string { return k.ID },
}

// File describes an uploaded file; only its name and size are used.
type File struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadRequest is a media post to one profile on one or more platforms.
type UploadRequest struct {
	Media     *File
	Title     string
	ProfileID string
	Platforms []string
}

// UploadReceipt is returned for an accepted upload.
type UploadReceipt struct {
	Message   string   `json:"message"`
	FileName  string   `json:"fileName"`
	Size      int64    `json:"size"`
	ProfileID string   `json:"profileId"`
	Platforms []string `json:"platforms"`
}

// DeleteResult acknowledges a delete.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ValidationError rejects malformed input. Its message is safe to show to clients.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnauthorizedError rejects an upload whose API key is missing or unknown.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return "Unauthorized: " + e.Reason }
