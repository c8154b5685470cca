package loom

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// IdentityService links surface identities onto unified users. It keeps
// an in-memory reverse index (surfaceId, surfaceUserId) -> userId,
// rebuilt from the store at construction, and consults an optional set
// of manual link overrides before creating new users.
//
// All mutation goes through the service; the store only sees whole-user
// writes, so a crash between operations never leaves a half-linked user.
type IdentityService struct {
	store  IdentityStore
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	reverse map[surfaceKey]string // (surface, surfaceUser) -> userID
	codes   *linkCodeBook

	// createMu serializes first-sighting creation so two concurrent
	// resolves of the same surface identity cannot mint two users.
	createMu sync.Mutex

	// manual maps userID -> surfaceID -> surfaceUserID. Admin-provided
	// overrides consulted before creating a new user.
	manual map[string]map[string]string
}

type surfaceKey struct {
	surfaceID     string
	surfaceUserID string
}

// IdentityOption configures an IdentityService.
type IdentityOption func(*IdentityService)

// WithIdentityLogger sets a structured logger for identity operations.
func WithIdentityLogger(l *slog.Logger) IdentityOption {
	return func(s *IdentityService) { s.logger = l }
}

// WithManualLinks installs admin link overrides
// (userID -> surfaceID -> surfaceUserID), typically loaded from
// <data>/config/manual-links.json.
func WithManualLinks(links map[string]map[string]string) IdentityOption {
	return func(s *IdentityService) { s.manual = links }
}

// withIdentityClock overrides the time source. Test hook.
func withIdentityClock(fn func() time.Time) IdentityOption {
	return func(s *IdentityService) { s.clock = fn }
}

// NewIdentityService builds the service and rebuilds the reverse index
// from the store. The returned service owns link-code GC; call Close
// when done.
func NewIdentityService(ctx context.Context, store IdentityStore, opts ...IdentityOption) (*IdentityService, error) {
	s := &IdentityService{
		store:   store,
		logger:  nopLogger,
		clock:   time.Now,
		reverse: make(map[surfaceKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codes = newLinkCodeBook(s.clock)

	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: rebuild reverse index: %w", err)
	}
	for _, u := range users {
		for surfaceID, surfaceUserID := range u.LinkedSurfaces {
			s.reverse[surfaceKey{surfaceID, surfaceUserID}] = u.ID
		}
	}
	s.logger.Debug("identity: index rebuilt", "users", len(users))
	return s, nil
}

// Close stops the link-code GC ticker.
func (s *IdentityService) Close() {
	s.codes.stop()
}

// ResolveUser returns the unified user for a surface identity, creating
// one lazily on first sighting. Manual link overrides are consulted
// before a new user is minted: when an override names this surface
// identity, the identity is attached to the named user instead.
func (s *IdentityService) ResolveUser(ctx context.Context, surfaceID, surfaceUserID string) (UnifiedUser, error) {
	if u, found, err := s.lookupIndexed(ctx, surfaceID, surfaceUserID); err != nil || found {
		return u, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	// Re-check under the creation lock: a concurrent resolve of the same
	// identity may have created the user while this one waited.
	if u, found, err := s.lookupIndexed(ctx, surfaceID, surfaceUserID); err != nil || found {
		return u, err
	}

	// Manual overrides.
	if target := s.manualTarget(surfaceID, surfaceUserID); target != "" {
		u, found, err := s.store.GetUser(ctx, target)
		if err != nil {
			return UnifiedUser{}, err
		}
		if found {
			return s.attachSurface(ctx, u, surfaceID, surfaceUserID)
		}
		s.logger.Warn("identity: manual link targets unknown user", "user", target, "surface", surfaceID)
	}

	now := s.clock()
	u := UnifiedUser{
		ID:             NewID(),
		LinkedSurfaces: map[string]string{surfaceID: surfaceUserID},
		DefaultSurface: surfaceID,
		LinkedAt:       map[string]string{surfaceID: now.UTC().Format(time.RFC3339)},
		CreatedAt:      now.Unix(),
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return UnifiedUser{}, err
	}
	s.mu.Lock()
	s.reverse[surfaceKey{surfaceID, surfaceUserID}] = u.ID
	s.mu.Unlock()
	s.logger.Info("identity: new user", "user", u.ID, "surface", surfaceID)
	return u, nil
}

// lookupIndexed resolves a surface identity through the reverse index.
// found=false when the identity is unknown or the index points at a
// deleted record.
func (s *IdentityService) lookupIndexed(ctx context.Context, surfaceID, surfaceUserID string) (UnifiedUser, bool, error) {
	s.mu.RLock()
	userID, ok := s.reverse[surfaceKey{surfaceID, surfaceUserID}]
	s.mu.RUnlock()
	if !ok {
		return UnifiedUser{}, false, nil
	}
	u, found, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return UnifiedUser{}, false, err
	}
	if !found {
		// Stale index entry; the caller re-creates.
		return UnifiedUser{}, false, nil
	}
	return u, true, nil
}

// manualTarget returns the user id a manual override maps this surface
// identity to, or "".
func (s *IdentityService) manualTarget(surfaceID, surfaceUserID string) string {
	for userID, surfaces := range s.manual {
		if surfaces[surfaceID] == surfaceUserID {
			return userID
		}
	}
	return ""
}

// attachSurface links a surface identity onto an existing user record.
func (s *IdentityService) attachSurface(ctx context.Context, u UnifiedUser, surfaceID, surfaceUserID string) (UnifiedUser, error) {
	if u.LinkedSurfaces == nil {
		u.LinkedSurfaces = make(map[string]string)
	}
	if u.LinkedAt == nil {
		u.LinkedAt = make(map[string]string)
	}
	u.LinkedSurfaces[surfaceID] = surfaceUserID
	u.LinkedAt[surfaceID] = s.clock().UTC().Format(time.RFC3339)
	if u.DefaultSurface == "" {
		u.DefaultSurface = surfaceID
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return UnifiedUser{}, err
	}
	s.mu.Lock()
	s.reverse[surfaceKey{surfaceID, surfaceUserID}] = u.ID
	s.mu.Unlock()
	return u, nil
}

// GenerateLinkCode issues a fresh link code for the given user on the
// given surface. Fails with ErrMaxCodes when the issuer already has the
// maximum number of unclaimed codes outstanding.
func (s *IdentityService) GenerateLinkCode(surfaceID, userID string) (string, error) {
	issuer := surfaceID + ":" + userID
	code, err := s.codes.issue(issuer)
	if err != nil {
		return "", err
	}
	s.logger.Info("identity: link code issued", "user", userID, "surface", surfaceID)
	return code, nil
}

// ClaimLinkCode attaches the claiming surface identity to the issuer's
// unified user. When the claimer was already a known, distinct user, all
// of the claimer's surfaces move onto the issuer record and the claimer
// record is deleted.
func (s *IdentityService) ClaimLinkCode(ctx context.Context, code, surfaceID, surfaceUserID string) (UnifiedUser, error) {
	issuer, err := s.codes.claim(code, surfaceID)
	if err != nil {
		return UnifiedUser{}, err
	}

	issuerSurface, issuerUserID, _ := splitIssuer(issuer)
	issuerUser, err := s.ResolveUser(ctx, issuerSurface, issuerUserID)
	if err != nil {
		return UnifiedUser{}, err
	}

	s.mu.RLock()
	claimerID, claimerKnown := s.reverse[surfaceKey{surfaceID, surfaceUserID}]
	s.mu.RUnlock()

	if claimerKnown && claimerID != issuerUser.ID {
		return s.mergeUsers(ctx, issuerUser, claimerID)
	}
	return s.attachSurface(ctx, issuerUser, surfaceID, surfaceUserID)
}

// mergeUsers moves every surface of the claimer record onto the issuer
// record, deletes the claimer, and repoints the reverse index.
func (s *IdentityService) mergeUsers(ctx context.Context, issuer UnifiedUser, claimerID string) (UnifiedUser, error) {
	claimer, found, err := s.store.GetUser(ctx, claimerID)
	if err != nil {
		return UnifiedUser{}, err
	}
	if !found {
		return issuer, nil
	}

	if issuer.LinkedSurfaces == nil {
		issuer.LinkedSurfaces = make(map[string]string)
	}
	if issuer.LinkedAt == nil {
		issuer.LinkedAt = make(map[string]string)
	}
	now := s.clock().UTC().Format(time.RFC3339)
	for surfaceID, surfaceUserID := range claimer.LinkedSurfaces {
		if _, taken := issuer.LinkedSurfaces[surfaceID]; taken {
			continue
		}
		issuer.LinkedSurfaces[surfaceID] = surfaceUserID
		issuer.LinkedAt[surfaceID] = now
	}

	if err := s.store.PutUser(ctx, issuer); err != nil {
		return UnifiedUser{}, err
	}
	if err := s.store.DeleteUser(ctx, claimer.ID); err != nil {
		return UnifiedUser{}, err
	}

	s.mu.Lock()
	for surfaceID, surfaceUserID := range claimer.LinkedSurfaces {
		s.reverse[surfaceKey{surfaceID, surfaceUserID}] = issuer.ID
	}
	s.mu.Unlock()

	s.logger.Info("identity: merged users", "kept", issuer.ID, "absorbed", claimer.ID)
	return issuer, nil
}

// LinkManual attaches a surface identity to an existing user. Admin
// operation; bypasses the link-code flow.
func (s *IdentityService) LinkManual(ctx context.Context, userID, surfaceID, surfaceUserID string) (UnifiedUser, error) {
	u, found, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return UnifiedUser{}, err
	}
	if !found {
		return UnifiedUser{}, fmt.Errorf("identity: user %q not found", userID)
	}
	return s.attachSurface(ctx, u, surfaceID, surfaceUserID)
}

// SetDefaultSurface changes where proactive messages go. The surface
// must already be linked.
func (s *IdentityService) SetDefaultSurface(ctx context.Context, userID, surfaceID string) error {
	u, found, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("identity: user %q not found", userID)
	}
	if _, linked := u.LinkedSurfaces[surfaceID]; !linked {
		return ErrSurfaceNotLinked
	}
	u.DefaultSurface = surfaceID
	return s.store.PutUser(ctx, u)
}

// UnlinkSurface removes a surface from a user. Fails with
// ErrLastSurface when it would leave the user with no surfaces. When
// the default surface is removed, another linked surface becomes the
// default.
func (s *IdentityService) UnlinkSurface(ctx context.Context, userID, surfaceID string) error {
	u, found, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("identity: user %q not found", userID)
	}
	surfaceUserID, linked := u.LinkedSurfaces[surfaceID]
	if !linked {
		return ErrSurfaceNotLinked
	}
	if len(u.LinkedSurfaces) == 1 {
		return ErrLastSurface
	}

	delete(u.LinkedSurfaces, surfaceID)
	delete(u.LinkedAt, surfaceID)
	if u.DefaultSurface == surfaceID {
		for remaining := range u.LinkedSurfaces {
			u.DefaultSurface = remaining
			break
		}
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.reverse, surfaceKey{surfaceID, surfaceUserID})
	s.mu.Unlock()
	s.logger.Info("identity: surface unlinked", "user", userID, "surface", surfaceID)
	return nil
}

// GetUser returns a unified user by id.
func (s *IdentityService) GetUser(ctx context.Context, userID string) (UnifiedUser, bool, error) {
	return s.store.GetUser(ctx, userID)
}

func splitIssuer(issuer string) (surfaceID, userID string, ok bool) {
	return strings.Cut(issuer, ":")
}
