// Package localstore keeps intentions for anonymous users in a local
// key-value store, one key per app version.
//
// Every mutation is a synchronous read-modify-write of the whole collection.
// Collections are small and belong to a single device, so there is no
// incremental format.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ritual/internal/intention"
)

// KV is the key-value store the adapter persists to. *store.Store
// implements it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Adapter persists intention records under a single namespaced key. It is
// the only writer of that key.
//
// Thread-safety: all methods are safe for concurrent use.
type Adapter struct {
	mu     sync.Mutex
	kv     KV
	key    string
	clock  intention.Clock
	ids    intention.IDGenerator
	logger *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the creation-time source.
func WithClock(c intention.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithIDs overrides the ID generator.
func WithIDs(g intention.IDGenerator) Option {
	return func(a *Adapter) { a.ids = g }
}

// WithLogger sets the logger used for recovered storage problems.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New returns an adapter storing its collection under key.
func New(kv KV, key string, opts ...Option) *Adapter {
	a := &Adapter{
		kv:     kv,
		key:    key,
		clock:  intention.SystemClock{},
		ids:    &intention.TimestampIDs{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the storage key this adapter owns.
func (a *Adapter) Key() string {
	return a.key
}

// List returns the records of kind, newest first. It never fails: a missing
// key, an unreadable store or a corrupt payload all yield an empty list.
func (a *Adapter) List(ctx context.Context, kind intention.Kind) []intention.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.load(ctx)
	if err != nil {
		a.logger.Warn("local intentions unreadable, treating as empty",
			"key", a.key,
			"error", err,
		)
		return []intention.Record{}
	}
	out := intention.Filter(all, kind)
	intention.SortNewestFirst(out)
	return out
}

// Add creates an unsealed record, prepends it to the collection and
// persists the collection before returning.
func (a *Adapter) Add(ctx context.Context, text string, kind intention.Kind) (intention.Record, error) {
	text, ok := intention.NormalizeText(text)
	if !ok {
		return intention.Record{}, fmt.Errorf("local add: %w: empty text", intention.ErrValidation)
	}
	if !kind.Valid() {
		return intention.Record{}, fmt.Errorf("local add: %w: kind %d", intention.ErrValidation, int(kind))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.load(ctx)
	if err != nil {
		return intention.Record{}, fmt.Errorf("local add: %w", err)
	}

	now := a.clock.Now()
	rec := intention.Record{
		ID:        a.ids.NewID(now),
		Text:      text,
		Kind:      kind,
		CreatedAt: now,
		Sealed:    false,
	}
	all = append([]intention.Record{rec}, all...)

	if err := a.save(ctx, all); err != nil {
		return intention.Record{}, fmt.Errorf("local add: %w", err)
	}
	return rec, nil
}

// ToggleSeal flips the sealed flag of the record with id. found is false,
// and nothing is written, when no such record exists.
func (a *Adapter) ToggleSeal(ctx context.Context, id string) (rec intention.Record, found bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.load(ctx)
	if err != nil {
		return intention.Record{}, false, fmt.Errorf("local toggle seal: %w", err)
	}
	i := intention.IndexOf(all, id)
	if i < 0 {
		return intention.Record{}, false, nil
	}
	all[i].Sealed = !all[i].Sealed

	if err := a.save(ctx, all); err != nil {
		return intention.Record{}, false, fmt.Errorf("local toggle seal: %w", err)
	}
	return all[i], true, nil
}

// Remove deletes the record with id. Removing an unknown id is a no-op and
// reports removed=false.
func (a *Adapter) Remove(ctx context.Context, id string) (removed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.load(ctx)
	if err != nil {
		return false, fmt.Errorf("local remove: %w", err)
	}
	rest, removed := intention.Without(all, id)
	if !removed {
		return false, nil
	}
	if err := a.save(ctx, rest); err != nil {
		return false, fmt.Errorf("local remove: %w", err)
	}
	return true, nil
}

// Clear drops the whole collection.
func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.kv.Delete(ctx, a.key); err != nil {
		return fmt.Errorf("local clear: %w", err)
	}
	return nil
}

// load reads the collection in stored order. A corrupt payload is logged
// and discarded; only store errors are returned.
func (a *Adapter) load(ctx context.Context) ([]intention.Record, error) {
	data, ok, err := a.kv.Get(ctx, a.key)
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return []intention.Record{}, nil
	}

	records, err := decode(data)
	if err != nil {
		a.logger.Warn("discarding corrupt local intentions",
			"key", a.key,
			"error", err,
		)
		return []intention.Record{}, nil
	}
	return records, nil
}

func (a *Adapter) save(ctx context.Context, records []intention.Record) error {
	data, err := encode(records)
	if err != nil {
		return err
	}
	return a.kv.Set(ctx, a.key, data)
}

// entry is the stored shape of one record. isSealed and a missing kind are
// accepted for collections written by v1 builds, which only stored desires.
type entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Sealed    bool      `json:"sealed"`
	IsSealed  bool      `json:"isSealed,omitempty"`
}

func decode(data []byte) ([]intention.Record, error) {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", intention.ErrLocalStorageCorrupt, err)
	}

	records := make([]intention.Record, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" || e.Text == "" {
			return nil, fmt.Errorf("%w: entry %d missing id or text", intention.ErrLocalStorageCorrupt, i)
		}
		kind := intention.Manifest
		if e.Kind != "" {
			k, err := intention.ParseKind(e.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", intention.ErrLocalStorageCorrupt, i, err)
			}
			kind = k
		}
		records = append(records, intention.Record{
			ID:        e.ID,
			Text:      e.Text,
			Kind:      kind,
			CreatedAt: e.CreatedAt,
			Sealed:    e.Sealed || e.IsSealed,
		})
	}
	return records, nil
}

func encode(records []intention.Record) ([]byte, error) {
	entries := make([]entry, len(records))
	for i, r := range records {
		entries[i] = entry{
			ID:        r.ID,
			Text:      r.Text,
			Kind:      r.Kind.String(),
			CreatedAt: r.CreatedAt,
			Sealed:    r.Sealed,
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode local intentions: %w", err)
	}
	return data, nil
}
