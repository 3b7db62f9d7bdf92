// Package altars implements owner-facing metadata mutations: altars, their
// memberships and their public shares. Every mutation is authorized through
// the access resolver first.
package altars

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"altar/api/internal/access"
	"altar/api/internal/apperr"
	"altar/api/internal/auth"
	"altar/api/internal/rbac"
	"altar/api/internal/store"
	"altar/api/internal/util"
)

const (
	DefaultTitle   = "Untitled altar"
	maxTitle       = 200
	maxDescription = 1000
	maxTags        = 20
	maxTagLength   = 40
)

type Store interface {
	access.Store
	CreateAltar(ctx context.Context, altar store.Altar, ownerMembershipID string) error
	UpdateAltar(ctx context.Context, altar store.Altar) error
	DeleteAltar(ctx context.Context, altarID, ownerID string) error
	UpsertMembership(ctx context.Context, item store.Membership) error
	RemoveMembership(ctx context.Context, altarID, userID string) (bool, error)
	ListMemberships(ctx context.Context, altarID string) ([]store.Membership, error)
	InsertShare(ctx context.Context, share store.PublicShare) error
	DeleteShare(ctx context.Context, altarID, shareID string) (bool, error)
	ListShares(ctx context.Context, altarID string) ([]store.PublicShare, error)
	ListMemberAltars(ctx context.Context, userID string) ([]store.AltarWithRole, error)
}

type CreateAltarInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// UpdateAltarInput leaves nil fields unchanged.
type UpdateAltarInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
}

type AddMemberInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type CreateShareInput struct {
	Capability string     `json:"capability"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

type AltarView struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"roomId"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	OwnerID          string    `json:"ownerId"`
	Tags             []string  `json:"tags"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Role             string    `json:"role"`
	IsPubliclyShared bool      `json:"isPubliclyShared"`
	CanEdit          bool      `json:"canEdit"`
}

type MemberView struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type ShareView struct {
	ID         string     `json:"id"`
	Capability string     `json:"capability"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Live       bool       `json:"live"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Service struct {
	store    Store
	resolver *access.Resolver
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, resolver *access.Resolver, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		log:      log.With().Str("component", "altars").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, caller *auth.Identity, input CreateAltarInput) (AltarView, error) {
	if caller == nil || caller.Subject == "" {
		return AltarView{}, apperr.PermissionDenied("sign-in required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = DefaultTitle
	}
	if err := validateTitle(title); err != nil {
		return AltarView{}, err
	}
	description := strings.TrimSpace(input.Description)
	if err := validateDescription(description); err != nil {
		return AltarView{}, err
	}
	tags, err := normalizeTags(input.Tags)
	if err != nil {
		return AltarView{}, err
	}

	now := s.now()
	altar := store.Altar{
		ID:          util.NewID("alt"),
		RoomID:      util.NewRoomID(),
		Title:       title,
		Description: description,
		OwnerID:     caller.Subject,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAltar(ctx, altar, util.NewID("mem")); err != nil {
		return AltarView{}, err
	}
	s.log.Info().Str("altar", altar.ID).Str("room", altar.RoomID).Str("owner", caller.Subject).Msg("altar created")
	return toView(altar, access.Decision{Role: rbac.RoleOwner}), nil
}

func (s *Service) Get(ctx context.Context, caller *auth.Identity, roomID string) (AltarView, error) {
	decision, err := s.resolver.Resolve(ctx, caller, roomID)
	if err != nil {
		return AltarView{}, err
	}
	return toView(decision.Altar, decision), nil
}

func (s *Service) ListMine(ctx context.Context, caller *auth.Identity) ([]AltarView, error) {
	if caller == nil || caller.Subject == "" {
		return nil, apperr.PermissionDenied("sign-in required")
	}
	items, err := s.store.ListMemberAltars(ctx, caller.Subject)
	if err != nil {
		return nil, err
	}
	out := make([]AltarView, 0, len(items))
	for _, item := range items {
		out = append(out, toView(item.Altar, access.Decision{Role: rbac.Normalize(item.Role)}))
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, caller *auth.Identity, roomID string, input UpdateAltarInput) (AltarView, error) {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return AltarView{}, err
	}
	altar := decision.Altar
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if err := validateTitle(title); err != nil {
			return AltarView{}, err
		}
		altar.Title = title
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		if err := validateDescription(description); err != nil {
			return AltarView{}, err
		}
		altar.Description = description
	}
	if input.Tags != nil {
		tags, err := normalizeTags(*input.Tags)
		if err != nil {
			return AltarView{}, err
		}
		altar.Tags = tags
	}
	altar.UpdatedAt = s.now()
	if err := s.store.UpdateAltar(ctx, altar); err != nil {
		return AltarView{}, err
	}
	return toView(altar, decision), nil
}

// Delete removes the altar with its memberships and shares. The room's
// snapshot is left in the snapshot store.
func (s *Service) Delete(ctx context.Context, caller *auth.Identity, roomID string) error {
	decision, err := s.resolver.AuthorizeDelete(ctx, caller, roomID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAltar(ctx, decision.Altar.ID, decision.Altar.OwnerID); err != nil {
		return err
	}
	s.log.Info().Str("altar", decision.Altar.ID).Str("room", roomID).Msg("altar deleted")
	return nil
}

func (s *Service) AddMember(ctx context.Context, caller *auth.Identity, roomID string, input AddMemberInput) (MemberView, error) {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return MemberView{}, err
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return MemberView{}, apperr.InvalidInput("userId is required")
	}
	if userID == decision.Altar.OwnerID {
		return MemberView{}, apperr.Conflict("the owner is already a member")
	}
	role, ok := rbac.ParseMemberRole(strings.ToLower(strings.TrimSpace(input.Role)))
	if !ok {
		return MemberView{}, apperr.InvalidInput("role must be editor or viewer")
	}
	now := s.now()
	membership := store.Membership{
		ID:        util.NewID("mem"),
		AltarID:   decision.Altar.ID,
		UserID:    userID,
		Role:      string(role),
		Status:    store.MembershipActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertMembership(ctx, membership); err != nil {
		return MemberView{}, err
	}
	return MemberView{UserID: userID, Role: string(role), Status: store.MembershipActive, CreatedAt: now}, nil
}

func (s *Service) RemoveMember(ctx context.Context, caller *auth.Identity, roomID, userID string) error {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveMembership(ctx, decision.Altar.ID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.NotFound("active member %s", userID)
	}
	return nil
}

// ListMembers is visible to every member; share-only callers are denied.
func (s *Service) ListMembers(ctx context.Context, caller *auth.Identity, roomID string) ([]MemberView, error) {
	decision, err := s.resolver.Resolve(ctx, caller, roomID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(decision.Role, rbac.ActionRead) {
		return nil, apperr.PermissionDenied("members only")
	}
	items, err := s.store.ListMemberships(ctx, decision.Altar.ID)
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(items))
	for _, item := range items {
		if item.Status == store.MembershipRemoved {
			continue
		}
		out = append(out, MemberView{UserID: item.UserID, Role: item.Role, Status: item.Status, CreatedAt: item.CreatedAt})
	}
	return out, nil
}

func (s *Service) CreateShare(ctx context.Context, caller *auth.Identity, roomID string, input CreateShareInput) (ShareView, error) {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return ShareView{}, err
	}
	capability, ok := rbac.ParseCapability(strings.ToLower(strings.TrimSpace(input.Capability)))
	if !ok {
		return ShareView{}, apperr.InvalidInput("capability must be view or edit")
	}
	now := s.now()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return ShareView{}, apperr.InvalidInput("expiresAt must be in the future")
	}
	share := store.PublicShare{
		ID:         util.NewID("shr"),
		AltarID:    decision.Altar.ID,
		Capability: string(capability),
		CreatedBy:  caller.Subject,
		ExpiresAt:  input.ExpiresAt,
		CreatedAt:  now,
	}
	if err := s.store.InsertShare(ctx, share); err != nil {
		return ShareView{}, err
	}
	return toShareView(share, now), nil
}

func (s *Service) RevokeShare(ctx context.Context, caller *auth.Identity, roomID, shareID string) error {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return err
	}
	deleted, err := s.store.DeleteShare(ctx, decision.Altar.ID, shareID)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.NotFound("share %s", shareID)
	}
	return nil
}

func (s *Service) ListShares(ctx context.Context, caller *auth.Identity, roomID string) ([]ShareView, error) {
	decision, err := s.resolver.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListShares(ctx, decision.Altar.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]ShareView, 0, len(items))
	for _, item := range items {
		out = append(out, toShareView(item, now))
	}
	return out, nil
}

func toView(altar store.Altar, decision access.Decision) AltarView {
	tags := altar.Tags
	if tags == nil {
		tags = []string{}
	}
	return AltarView{
		ID:               altar.ID,
		RoomID:           altar.RoomID,
		Title:            altar.Title,
		Description:      altar.Description,
		OwnerID:          altar.OwnerID,
		Tags:             tags,
		CreatedAt:        altar.CreatedAt,
		UpdatedAt:        altar.UpdatedAt,
		Role:             string(decision.Role),
		IsPubliclyShared: decision.IsPubliclyShared,
		CanEdit:          decision.CanEdit(),
	}
}

func toShareView(share store.PublicShare, now time.Time) ShareView {
	return ShareView{
		ID:         share.ID,
		Capability: share.Capability,
		ExpiresAt:  share.ExpiresAt,
		Live:       share.Live(now),
		CreatedAt:  share.CreatedAt,
	}
}

func validateTitle(title string) error {
	if n := utf8.RuneCountInString(title); n < 1 || n > maxTitle {
		return apperr.InvalidInput("title must be 1-%d characters", maxTitle)
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescription {
		return apperr.InvalidInput("description must be at most %d characters", maxDescription)
	}
	return nil
}

func normalizeTags(input []string) ([]string, error) {
	seen := map[string]struct{}{}
	tags := make([]string, 0, len(input))
	for _, raw := range input {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagLength {
			return nil, apperr.InvalidInput("tag %q is longer than %d characters", tag, maxTagLength)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if len(tags) > maxTags {
		return nil, apperr.InvalidInput("at most %d tags are allowed", maxTags)
	}
	return tags, nil
}
