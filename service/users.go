package service

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// UserService implements the user procedures.
type UserService struct {
	users  UserStore
	events Publisher
	now    func() time.Time
}

func NewUserService(users UserStore, events Publisher) *UserService {
	if events == nil {
		events = noopPublisher{}
	}
	return &UserService{users: users, events: events, now: func() time.Time { return time.Now().UTC() }}
}

// GetProfile returns the caller's own profile.
func (s *UserService) GetProfile(ctx context.Context, userID string) (p domain.Profile, err error) {
	ctx, span := startSpan(ctx, "user.getProfile", userID)
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return domain.Profile{}, domain.Unauthorized("")
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Profile{}, domain.NotFound("profile not found")
		}
		return domain.Profile{}, domain.Persistence(err)
	}
	return u.Profile(), nil
}

// UpdateProfile changes the caller's own row. An empty patch returns the
// current profile without writing.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (p domain.Profile, err error) {
	if patch.Empty() {
		return s.GetProfile(ctx, userID)
	}

	ctx, span := startSpan(ctx, "user.updateProfile", userID)
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return domain.Profile{}, domain.Unauthorized("")
	}
	patch, err = patch.Normalize()
	if err != nil {
		return domain.Profile{}, err
	}
	u, err := s.users.UpdateUser(ctx, userID, patch)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Profile{}, domain.NotFound("profile not found")
		}
		return domain.Profile{}, domain.Persistence(err)
	}
	s.publish(ctx, domain.Change{Kind: domain.ProfileUpdated, UserID: userID, Participants: []string{userID}, At: s.now()})
	return u.Profile(), nil
}

// GetTeamMembers lists every user except the caller.
func (s *UserService) GetTeamMembers(ctx context.Context, userID string) (members []domain.Profile, err error) {
	ctx, span := startSpan(ctx, "user.getTeamMembers", userID)
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, domain.Unauthorized("")
	}
	users, err := s.users.ListUsersExcept(ctx, userID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	members = make([]domain.Profile, 0, len(users))
	for _, u := range users {
		if u.ID == userID {
			continue
		}
		members = append(members, u.Profile())
	}
	return members, nil
}

// Sync makes sure the caller has a users row, filling name and email from the
// token claims when they are missing. A name the user already chose is kept.
func (s *UserService) Sync(ctx context.Context, id domain.Identity) (p domain.Profile, err error) {
	ctx, span := startSpan(ctx, "user.sync", id.UserID)
	defer func() { endSpan(span, err) }()

	if id.UserID == "" {
		return domain.Profile{}, domain.Unauthorized("")
	}
	current, err := s.users.GetUser(ctx, id.UserID)
	switch {
	case err == nil:
		if current.Name != "" && (current.Email != "" || id.Email == "") {
			return current.Profile(), nil
		}
	case errors.Is(err, domain.ErrRecordNotFound):
	default:
		return domain.Profile{}, domain.Persistence(err)
	}

	email := strings.TrimSpace(id.Email)
	if email != "" && !domain.ValidEmail(email) {
		email = ""
	}
	name := strings.TrimSpace(id.Name)
	if name == "" && email != "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	u, err := s.users.UpsertUser(ctx, domain.User{ID: id.UserID, Name: name, Email: email, CreatedAt: s.now()})
	if err != nil {
		return domain.Profile{}, domain.Persistence(err)
	}
	s.publish(ctx, domain.Change{Kind: domain.ProfileUpdated, UserID: id.UserID, Participants: []string{id.UserID}, At: s.now()})
	return u.Profile(), nil
}

func (s *UserService) publish(ctx context.Context, ch domain.Change) {
	if err := s.events.Publish(ctx, ch); err != nil {
		log.WithFields(log.Fields{"kind": ch.Kind, "user": ch.UserID}).WithError(err).Warn("publish change failed")
	}
}
