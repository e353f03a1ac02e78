package domain

import (
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// Identity is the caller resolved from a session credential.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// User is a row of the users relation.
type User struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
	Role      string
	CreatedAt time.Time
}

func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email, AvatarURL: u.AvatarURL, Role: u.Role}
}

func (u User) Profile() Profile {
	return Profile{ID: u.ID, Name: u.Name, Email: u.Email, AvatarURL: u.AvatarURL}
}

// Profile is what the user procedures return.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ProfilePatch is the payload of user.updateProfile.
type ProfilePatch struct {
	Name      *string `json:"name"`
	Email     *string `json:"email"`
	AvatarURL *string `json:"avatarUrl"`
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.AvatarURL == nil
}

// Normalize validates the patch.
func (p ProfilePatch) Normalize() (ProfilePatch, error) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return p, Validation("name must not be empty")
		}
		p.Name = &name
	}
	if p.Email != nil {
		email := strings.TrimSpace(*p.Email)
		if !ValidEmail(email) {
			return p, Validation("invalid email address")
		}
		p.Email = &email
	}
	if p.AvatarURL != nil {
		avatar := strings.TrimSpace(*p.AvatarURL)
		if !ValidURL(avatar) {
			return p, Validation("invalid avatar url")
		}
		p.AvatarURL = &avatar
	}
	return p, nil
}

// ValidEmail accepts a bare address such as "a@b.example", without a display name.
func ValidEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && addr.Name == ""
}

// ValidURL accepts absolute http and https URLs with a host.
func ValidURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
