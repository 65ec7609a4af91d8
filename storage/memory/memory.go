// Package memory provides an in-memory implementation of access.Storage and
// billing.EventLedger. It is intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// Storage implements access.Storage and billing.EventLedger using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	products []*access.Product
	clients  map[clientKey]*access.Client
	grants   map[grantKey]*access.ClientProduct
	profiles map[string]*access.Profile
	events   map[string]time.Time
}

type clientKey struct{ appID, email string }

type grantKey struct{ clientID, productID string }

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		clients:  make(map[clientKey]*access.Client),
		grants:   make(map[grantKey]*access.ClientProduct),
		profiles: make(map[string]*access.Profile),
		events:   make(map[string]time.Time),
	}
}

// PutProduct stores a product catalog entry and returns it with ID and
// CreatedAt filled in.
func (s *Storage) PutProduct(p access.Product) access.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	for i, existing := range s.products {
		if existing.ID == p.ID {
			s.products[i] = &p
			return p
		}
	}
	s.products = append(s.products, &p)
	return p
}

// PutProfile stores a producer profile.
func (s *Storage) PutProfile(p access.Profile) access.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = access.NormalizeEmail(p.Email)
	s.profiles[p.ID] = copyProfile(&p)
	return p
}

// Profile returns a copy of the profile with the given id.
func (s *Storage) Profile(id string) (access.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return access.Profile{}, false
	}
	return *copyProfile(p), true
}

// Clients returns copies of all clients.
func (s *Storage) Clients() []access.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]access.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Grants returns copies of all grants.
func (s *Storage) Grants() []access.ClientProduct {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]access.ClientProduct, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FindProducts implements access.Storage
func (s *Storage) FindProducts(_ context.Context, externalID string, mode access.MatchMode) ([]access.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []access.Product
	for _, p := range s.products {
		if p.IsActive && mode.Matches(p.ExternalID, externalID) {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindBonusProducts implements access.Storage
func (s *Storage) FindBonusProducts(_ context.Context, parentIDs []string) ([]access.Product, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []access.Product
	for _, p := range s.products {
		if _, ok := parents[p.ParentProductID]; ok && p.IsActive && p.ParentProductID != "" {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertClient implements access.Storage. Lookup and insert happen under one
// lock, so concurrent deliveries resolve to the same client.
func (s *Storage) UpsertClient(_ context.Context, c *access.Client) (*access.Client, bool, error) {
	if c == nil || c.Email == "" || c.AppID == "" {
		return nil, false, fmt.Errorf("invalid client")
	}
	key := clientKey{appID: c.AppID, email: access.NormalizeEmail(c.Email)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clients[key]; ok {
		out := *existing
		return &out, false, nil
	}

	stored := *c
	stored.Email = key.email
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.clients[key] = &stored
	out := stored
	return &out, true, nil
}

// InsertGrant implements access.Storage
func (s *Storage) InsertGrant(_ context.Context, g *access.ClientProduct) (bool, error) {
	if g == nil || g.ClientID == "" || g.ProductID == "" {
		return false, fmt.Errorf("invalid grant")
	}
	key := grantKey{clientID: g.ClientID, productID: g.ProductID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[key]; ok {
		return false, nil
	}
	stored := *g
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.grants[key] = &stored
	return true, nil
}

// UpdateProfiles implements access.Storage
func (s *Storage) UpdateProfiles(_ context.Context, match access.ProfileMatch, upd access.ProfileUpdate) (int64, error) {
	if err := match.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.profiles {
		if !profileMatches(p, match) {
			continue
		}
		upd.Apply(p)
		n++
	}
	return n, nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventKey(provider, eventID)]
	return ok, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(_ context.Context, provider, eventID string) error {
	if provider == "" || eventID == "" {
		return fmt.Errorf("invalid event key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventKey(provider, eventID)]; !ok {
		s.events[eventKey(provider, eventID)] = time.Now().UTC()
	}
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products = nil
	s.clients = make(map[clientKey]*access.Client)
	s.grants = make(map[grantKey]*access.ClientProduct)
	s.profiles = make(map[string]*access.Profile)
	s.events = make(map[string]time.Time)
}

func profileMatches(p *access.Profile, match access.ProfileMatch) bool {
	switch match.Field {
	case access.MatchProfileID:
		return p.ID == match.Value
	case access.MatchProfileEmail:
		return p.Email == access.NormalizeEmail(match.Value)
	case access.MatchStripeCustomerID:
		return p.StripeCustomerID == match.Value
	default:
		return false
	}
}

func copyProfile(p *access.Profile) *access.Profile {
	out := *p
	if p.TrialEndsAt != nil {
		t := *p.TrialEndsAt
		out.TrialEndsAt = &t
	}
	return &out
}

func eventKey(provider, eventID string) string {
	return provider + ":" + eventID
}
