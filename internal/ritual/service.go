// Package ritual is the dual-mode intention service. It decides, per call,
// whether intentions go to the local store (signed out) or the hosted store
// (signed in), and owns the in-memory view front ends render.
package ritual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/intention"
)

// Mode is the storage mode the service is in.
type Mode int

const (
	Anonymous Mode = iota
	Authenticated
)

// String returns "anonymous" or "authenticated".
func (m Mode) String() string {
	if m == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "anonymous":
		*m = Anonymous
	case "authenticated":
		*m = Authenticated
	default:
		return fmt.Errorf("unknown mode %q", b)
	}
	return nil
}

// Auth is the identity collaborator. *auth.Client implements it.
type Auth interface {
	CurrentIdentity(ctx context.Context) (*intention.Identity, error)
	Subscribe(fn func(*intention.Identity)) *auth.Subscription
}

// LocalStore persists anonymous intentions. *localstore.Adapter implements
// it.
type LocalStore interface {
	List(ctx context.Context, kind intention.Kind) []intention.Record
	Add(ctx context.Context, text string, kind intention.Kind) (intention.Record, error)
	ToggleSeal(ctx context.Context, id string) (intention.Record, bool, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// RemoteStore persists intentions of the signed-in user. *remote.Adapter
// implements it.
type RemoteStore interface {
	List(ctx context.Context) ([]intention.Record, error)
	Add(ctx context.Context, text string, kind intention.Kind) (intention.Record, error)
	Remove(ctx context.Context, id string) error
}

// Deps are the service's collaborators.
type Deps struct {
	Auth     Auth
	Local    LocalStore
	Remote   RemoteStore
	Notifier Notifier
	Logger   *slog.Logger

	// CloudSync enables the authenticated path. App versions without cloud
	// sync stay anonymous whatever the identity.
	CloudSync bool
}

// Service routes intention operations to the store matching the current
// identity and keeps the per-kind view.
//
// Thread-safety: all methods are safe for concurrent use. Adapter I/O runs
// outside the lock; results are applied in completion order. At most one
// Submit per kind is in flight.
type Service struct {
	auth      Auth
	local     LocalStore
	remote    RemoteStore
	notifier  Notifier
	logger    *slog.Logger
	cloudSync bool

	mu       sync.Mutex
	identity *intention.Identity
	items    map[intention.Kind][]intention.Record
	inFlight map[intention.Kind]bool
	sub      *auth.Subscription
}

// New creates a service. Call Initialize before reading items.
func New(deps Deps) *Service {
	s := &Service{
		auth:      deps.Auth,
		local:     deps.Local,
		remote:    deps.Remote,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		cloudSync: deps.CloudSync,
		items:     emptyItems(),
		inFlight:  make(map[intention.Kind]bool),
	}
	if s.notifier == nil {
		s.notifier = discardNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func emptyItems() map[intention.Kind][]intention.Record {
	m := make(map[intention.Kind][]intention.Record, len(intention.Kinds))
	for _, k := range intention.Kinds {
		m[k] = []intention.Record{}
	}
	return m
}

// Initialize determines the current identity and loads the matching view.
// An unreadable identity counts as signed out. A failed remote load leaves
// an empty authenticated view, emits an error notice and returns the error.
func (s *Service) Initialize(ctx context.Context) error {
	var id *intention.Identity
	if s.cloudSync && s.auth != nil {
		cur, err := s.auth.CurrentIdentity(ctx)
		if err != nil {
			s.logger.Warn("reading identity failed, continuing signed out", "error", err)
		} else {
			id = cur
		}
	}
	return s.load(ctx, id)
}

// OnIdentityChange switches the view after sign-in (id != nil) or sign-out
// (id == nil). Local records are not merged into the remote set.
func (s *Service) OnIdentityChange(ctx context.Context, id *intention.Identity) error {
	if !s.cloudSync {
		s.logger.Debug("identity change ignored, cloud sync disabled")
		return nil
	}

	s.mu.Lock()
	wasAuthed := s.identity != nil
	s.mu.Unlock()

	switch {
	case id != nil && !wasAuthed:
		s.notify(LevelSuccess, msgSignedIn)
	case id == nil && wasAuthed:
		s.notify(LevelInfo, msgSignedOut)
	}
	return s.load(ctx, id)
}

// Start subscribes the service to identity changes. Calling it again is a
// no-op until Close.
func (s *Service) Start(ctx context.Context) {
	if s.auth == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	s.sub = s.auth.Subscribe(func(id *intention.Identity) {
		if err := s.OnIdentityChange(ctx, id); err != nil {
			s.logger.Warn("reloading after identity change failed", "error", err)
		}
	})
}

// Close cancels the identity subscription.
func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// load replaces the view with the store matching id.
func (s *Service) load(ctx context.Context, id *intention.Identity) error {
	items := emptyItems()
	var loadErr error

	if id != nil {
		records, err := s.remote.List(ctx)
		if err != nil {
			s.logger.Error("loading remote intentions failed", "error", err)
			s.notify(LevelError, msgLoadFailed)
			loadErr = fmt.Errorf("initialize: %w", err)
		}
		for _, r := range records {
			items[r.Kind] = append(items[r.Kind], r)
		}
	} else {
		for _, k := range intention.Kinds {
			items[k] = s.local.List(ctx, k)
		}
	}

	s.mu.Lock()
	s.identity = copyIdentity(id)
	s.items = items
	s.mu.Unlock()

	s.logger.Debug("view loaded",
		"mode", modeOf(id).String(),
		"manifest", len(items[intention.Manifest]),
		"release", len(items[intention.Release]),
	)
	return loadErr
}

// Submit stores a new intention in the active store and prepends it to the
// view. Empty text is rejected with intention.ErrValidation and no notice.
func (s *Service) Submit(ctx context.Context, text string, kind intention.Kind) (intention.Record, error) {
	text, ok := intention.NormalizeText(text)
	if !ok {
		return intention.Record{}, fmt.Errorf("submit: %w: empty text", intention.ErrValidation)
	}
	if !kind.Valid() {
		return intention.Record{}, fmt.Errorf("submit: %w: kind %d", intention.ErrValidation, int(kind))
	}

	s.mu.Lock()
	if s.inFlight[kind] {
		s.mu.Unlock()
		return intention.Record{}, fmt.Errorf("submit %s: %w", kind, intention.ErrInFlight)
	}
	s.inFlight[kind] = true
	authed := s.identity != nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, kind)
		s.mu.Unlock()
	}()

	var rec intention.Record
	var err error
	if authed {
		rec, err = s.remote.Add(ctx, text, kind)
		// The session ended during the call and the view is local now.
		if errors.Is(err, intention.ErrAuthRequired) && s.Mode() == Anonymous {
			s.logger.Info("session ended during submit, saving locally", "kind", kind.String())
			authed = false
			rec, err = s.local.Add(ctx, text, kind)
		}
	} else {
		rec, err = s.local.Add(ctx, text, kind)
	}
	if err != nil {
		s.logger.Error("submit failed", "kind", kind.String(), "mode", modeOf(s.Identity()).String(), "error", err)
		s.notify(LevelError, failedMessage(kind))
		return intention.Record{}, fmt.Errorf("submit: %w", err)
	}

	s.mu.Lock()
	// A record written before an identity switch belongs to the other view.
	if (s.identity != nil) == authed {
		s.items[kind] = append([]intention.Record{rec}, s.items[kind]...)
	}
	s.mu.Unlock()

	s.logger.Info("intention submitted", "id", rec.ID, "kind", kind.String())
	if authed {
		s.notify(LevelSuccess, syncedMessage(kind))
	} else {
		s.notify(LevelInfo, localMessage(kind))
	}
	return rec, nil
}

// ToggleSeal flips the sealed flag of a local record. Signed in, records
// are always sealed: the call emits a notice and returns
// intention.ErrAlreadySealed without changing anything. An unknown id
// returns intention.ErrNotFound.
func (s *Service) ToggleSeal(ctx context.Context, id string) (intention.Record, error) {
	if s.Mode() == Authenticated {
		s.notify(LevelInfo, msgAlreadySealed)
		return intention.Record{}, fmt.Errorf("toggle seal: %w", intention.ErrAlreadySealed)
	}

	rec, found, err := s.local.ToggleSeal(ctx, id)
	if err != nil {
		s.logger.Error("toggle seal failed", "id", id, "error", err)
		s.notify(LevelError, msgSealFailed)
		return intention.Record{}, fmt.Errorf("toggle seal: %w", err)
	}
	if !found {
		return intention.Record{}, fmt.Errorf("toggle seal %s: %w", id, intention.ErrNotFound)
	}

	s.mu.Lock()
	if s.identity == nil {
		list := s.items[rec.Kind]
		if i := intention.IndexOf(list, id); i >= 0 {
			list[i] = rec
		}
	}
	s.mu.Unlock()
	return rec, nil
}

// RemoveItem deletes a record from the active store and the view. Removing
// an unknown local id is a no-op. On failure the view is unchanged.
func (s *Service) RemoveItem(ctx context.Context, id string) error {
	authed := s.Mode() == Authenticated

	if authed {
		if err := s.remote.Remove(ctx, id); err != nil {
			s.logger.Error("remove failed", "id", id, "error", err)
			s.notify(LevelError, msgRemoveFailed)
			return fmt.Errorf("remove: %w", err)
		}
	} else {
		removed, err := s.local.Remove(ctx, id)
		if err != nil {
			s.logger.Error("remove failed", "id", id, "error", err)
			s.notify(LevelError, msgRemoveFailed)
			return fmt.Errorf("remove: %w", err)
		}
		if !removed {
			return nil
		}
	}

	s.mu.Lock()
	if (s.identity != nil) == authed {
		for k, list := range s.items {
			if rest, ok := intention.Without(list, id); ok {
				s.items[k] = rest
			}
		}
	}
	s.mu.Unlock()

	if authed {
		s.notify(LevelSuccess, msgRemovedRemote)
	} else {
		s.notify(LevelInfo, msgRemovedLocal)
	}
	return nil
}

// Items returns a copy of the view for kind, newest first.
func (s *Service) Items(kind intention.Kind) []intention.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intention.Record{}, s.items[kind]...)
}

// Mode reports the current storage mode.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return modeOf(s.identity)
}

// Identity returns a copy of the signed-in identity, or nil.
func (s *Service) Identity() *intention.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyIdentity(s.identity)
}

// Busy reports whether a Submit for kind is in flight.
func (s *Service) Busy(kind intention.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[kind]
}

func (s *Service) notify(level Level, msg string) {
	s.notifier.Notify(Notice{Level: level, Message: msg})
}

func modeOf(id *intention.Identity) Mode {
	if id != nil {
		return Authenticated
	}
	return Anonymous
}

func copyIdentity(id *intention.Identity) *intention.Identity {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func syncedMessage(k intention.Kind) string {
	if k == intention.Release {
		return msgReleaseSynced
	}
	return msgManifestSynced
}

func localMessage(k intention.Kind) string {
	if k == intention.Release {
		return msgReleaseLocal
	}
	return msgManifestLocal
}

func failedMessage(k intention.Kind) string {
	if k == intention.Release {
		return msgReleaseFailed
	}
	return msgManifestFailed
}
