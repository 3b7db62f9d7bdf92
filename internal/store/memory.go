package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"altar/api/internal/apperr"
)

// MemoryStore mirrors PostgresStore in process memory. It serves local runs
// without DATABASE_URL and the handler and service tests.
type MemoryStore struct {
	mu          sync.Mutex
	altars      map[string]Altar
	memberships map[string]Membership
	shares      map[string]PublicShare
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		altars:      map[string]Altar{},
		memberships: map[string]Membership{},
		shares:      map[string]PublicShare{},
	}
}

func (s *MemoryStore) GetAltarByRoomID(_ context.Context, roomID string) (Altar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, altar := range s.altars {
		if altar.RoomID == roomID {
			return altar, nil
		}
	}
	return Altar{}, apperr.NotFound("altar for room %q", roomID)
}

func (s *MemoryStore) LiveShareCapability(_ context.Context, altarID string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, found := "", false
	for _, share := range s.shares {
		if share.AltarID != altarID || !share.Live(now) {
			continue
		}
		if !found || share.Capability == "edit" {
			best, found = share.Capability, true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) GetActiveMembership(_ context.Context, altarID, userID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.AltarID == altarID && m.UserID == userID && m.Status == MembershipActive {
			found := m
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountOtherActiveMemberships(_ context.Context, altarID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.memberships {
		if m.AltarID == altarID && m.UserID != userID && m.Status == MembershipActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateAltar(_ context.Context, altar Altar, ownerMembershipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.altars {
		if existing.ID == altar.ID || existing.RoomID == altar.RoomID {
			return apperr.Conflict("altar %s already exists", altar.ID)
		}
	}
	altar.UpdatedAt = altar.CreatedAt
	s.altars[altar.ID] = altar
	s.memberships[ownerMembershipID] = Membership{
		ID:        ownerMembershipID,
		AltarID:   altar.ID,
		UserID:    altar.OwnerID,
		Role:      "owner",
		Status:    MembershipActive,
		CreatedAt: altar.CreatedAt,
		UpdatedAt: altar.CreatedAt,
	}
	return nil
}

func (s *MemoryStore) UpdateAltar(_ context.Context, altar Altar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.altars[altar.ID]
	if !ok {
		return apperr.NotFound("altar %s", altar.ID)
	}
	existing.Title = altar.Title
	existing.Description = altar.Description
	existing.Tags = altar.Tags
	existing.UpdatedAt = altar.UpdatedAt
	s.altars[altar.ID] = existing
	return nil
}

func (s *MemoryStore) DeleteAltar(_ context.Context, altarID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.altars[altarID]; !ok {
		return apperr.NotFound("altar %s", altarID)
	}
	others := 0
	for _, m := range s.memberships {
		if m.AltarID == altarID && m.UserID != ownerID && m.Status == MembershipActive {
			others++
		}
	}
	if others > 0 {
		return apperr.Conflict("altar has %d other active members; remove them first", others)
	}
	for id, m := range s.memberships {
		if m.AltarID == altarID {
			delete(s.memberships, id)
		}
	}
	for id, share := range s.shares {
		if share.AltarID == altarID {
			delete(s.shares, id)
		}
	}
	delete(s.altars, altarID)
	return nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, item Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memberships {
		if m.AltarID == item.AltarID && m.UserID == item.UserID {
			if m.Role == "owner" {
				return nil
			}
			m.Role, m.Status, m.UpdatedAt = item.Role, item.Status, item.CreatedAt
			s.memberships[id] = m
			return nil
		}
	}
	item.UpdatedAt = item.CreatedAt
	s.memberships[item.ID] = item
	return nil
}

func (s *MemoryStore) RemoveMembership(_ context.Context, altarID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memberships {
		if m.AltarID == altarID && m.UserID == userID && m.Role != "owner" && m.Status != MembershipRemoved {
			m.Status = MembershipRemoved
			m.UpdatedAt = time.Now().UTC()
			s.memberships[id] = m
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListMemberships(_ context.Context, altarID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Membership, 0)
	for _, m := range s.memberships {
		if m.AltarID == altarID {
			items = append(items, m)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) InsertShare(_ context.Context, share PublicShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.altars[share.AltarID]; !ok {
		return apperr.NotFound("altar %s", share.AltarID)
	}
	s.shares[share.ID] = share
	return nil
}

func (s *MemoryStore) DeleteShare(_ context.Context, altarID, shareID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[shareID]
	if !ok || share.AltarID != altarID {
		return false, nil
	}
	delete(s.shares, shareID)
	return true, nil
}

func (s *MemoryStore) ListShares(_ context.Context, altarID string) ([]PublicShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]PublicShare, 0)
	for _, share := range s.shares {
		if share.AltarID == altarID {
			items = append(items, share)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ListMemberAltars(_ context.Context, userID string) ([]AltarWithRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]AltarWithRole, 0)
	for _, m := range s.memberships {
		if m.UserID != userID || m.Status != MembershipActive || (m.Role != "owner" && m.Role != "editor") {
			continue
		}
		if altar, ok := s.altars[m.AltarID]; ok {
			items = append(items, AltarWithRole{Altar: altar, Role: m.Role})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
