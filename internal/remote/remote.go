// Package remote stores intentions for signed-in users in the hosted table
// store, over its REST API.
//
// The adapter is stateless: every call reads the current session, issues one
// request and maps the reply onto intention.Record. Remote records are always
// sealed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/intention"
)

// TablePath is the REST path of the intentions table.
const TablePath = "/rest/v1/intentions"

// SessionSource supplies the signed-in session. *auth.Client implements it.
type SessionSource interface {
	CurrentSession(ctx context.Context) (*auth.Session, error)
}

// Row is the wire shape of one intentions row.
type Row struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Record maps the row onto the domain type. Remote records are sealed.
func (r Row) Record() (intention.Record, error) {
	kind, err := intention.ParseKind(r.Type)
	if err != nil {
		return intention.Record{}, err
	}
	if r.ID == "" {
		return intention.Record{}, errors.New("row without id")
	}
	return intention.Record{
		ID:        r.ID,
		Text:      r.Text,
		Kind:      kind,
		CreatedAt: r.CreatedAt.UTC(),
		Sealed:    true,
	}, nil
}

// Config configures an Adapter.
type Config struct {
	URL        string
	AnonKey    string
	Sessions   SessionSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Adapter talks to the intentions table on behalf of the signed-in user.
//
// Thread-safety: safe for concurrent use; it holds no mutable state.
type Adapter struct {
	baseURL  string
	anonKey  string
	sessions SessionSource
	http     *http.Client
	logger   *slog.Logger
}

// New creates an adapter.
func New(cfg Config) *Adapter {
	a := &Adapter{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		anonKey:  cfg.AnonKey,
		sessions: cfg.Sessions,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
	if a.http == nil {
		a.http = http.DefaultClient
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// List returns every record owned by the signed-in user, newest first.
func (a *Adapter) List(ctx context.Context) ([]intention.Record, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote list: %w", err)
	}

	var rows []Row
	path := TablePath + "?select=*&order=created_at.desc"
	if err := a.do(ctx, sess, http.MethodGet, path, nil, &rows); err != nil {
		return nil, fmt.Errorf("remote list: %w", err)
	}

	out := make([]intention.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.Record()
		if err != nil {
			return nil, fmt.Errorf("remote list: %w: %v", intention.ErrRemoteUnavailable, err)
		}
		out = append(out, rec)
	}
	intention.SortNewestFirst(out)
	return out, nil
}

// Add inserts a record and returns it as stored, with the store-assigned ID
// and creation time.
func (a *Adapter) Add(ctx context.Context, text string, kind intention.Kind) (intention.Record, error) {
	text, ok := intention.NormalizeText(text)
	if !ok {
		return intention.Record{}, fmt.Errorf("remote add: %w: empty text", intention.ErrValidation)
	}
	if !kind.Valid() {
		return intention.Record{}, fmt.Errorf("remote add: %w: kind %d", intention.ErrValidation, int(kind))
	}

	sess, err := a.session(ctx)
	if err != nil {
		return intention.Record{}, fmt.Errorf("remote add: %w", err)
	}

	in := Row{UserID: sess.User.ID, Text: text, Type: kind.String()}
	var raw json.RawMessage
	if err := a.do(ctx, sess, http.MethodPost, TablePath, in, &raw); err != nil {
		return intention.Record{}, fmt.Errorf("remote add: %w", err)
	}

	row, err := decodeInserted(raw)
	if err != nil {
		return intention.Record{}, fmt.Errorf("remote add: %w: %v", intention.ErrRemoteUnavailable, err)
	}
	rec, err := row.Record()
	if err != nil {
		return intention.Record{}, fmt.Errorf("remote add: %w: %v", intention.ErrRemoteUnavailable, err)
	}

	a.logger.Debug("remote intention added", "id", rec.ID, "kind", rec.Kind.String())
	return rec, nil
}

// Remove deletes the record with id. The store scopes the delete to the
// owner; a delete that matches nothing returns intention.ErrNotFound.
func (a *Adapter) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("remote remove: %w: empty id", intention.ErrValidation)
	}
	sess, err := a.session(ctx)
	if err != nil {
		return fmt.Errorf("remote remove: %w", err)
	}

	path := TablePath + "?id=eq." + url.QueryEscape(id)
	if err := a.do(ctx, sess, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remote remove: %w", err)
	}
	return nil
}

func (a *Adapter) session(ctx context.Context) (*auth.Session, error) {
	if a.sessions == nil {
		return nil, intention.ErrAuthRequired
	}
	sess, err := a.sessions.CurrentSession(ctx)
	if errors.Is(err, auth.ErrAuthTransport) {
		return nil, fmt.Errorf("%w: %w", intention.ErrRemoteUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, intention.ErrAuthRequired
	}
	return sess, nil
}

// decodeInserted accepts the one-element array PostgREST returns for
// return=representation, or a bare object.
func decodeInserted(raw json.RawMessage) (Row, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return Row{}, err
		}
		if len(rows) != 1 {
			return Row{}, fmt.Errorf("expected one inserted row, got %d", len(rows))
		}
		return rows[0], nil
	}
	var row Row
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return Row{}, err
	}
	return row, nil
}

// do sends one request. Failures are wrapped with
// intention.ErrRemoteUnavailable, except a 404 on delete, which maps to
// intention.ErrNotFound.
func (a *Adapter) do(ctx context.Context, sess *auth.Session, method, path string, in, out any) error {
	if a.baseURL == "" {
		return fmt.Errorf("%w: no backend URL configured", intention.ErrRemoteUnavailable)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", intention.ErrRemoteUnavailable, err)
	}
	req.Header.Set("apikey", a.anonKey)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", intention.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", intention.ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return intention.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		a.logger.Warn("remote request failed",
			"method", method,
			"status", resp.StatusCode,
		)
		return fmt.Errorf("%w: status %d: %s", intention.ErrRemoteUnavailable, resp.StatusCode, errorText(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", intention.ErrRemoteUnavailable, err)
		}
	}
	return nil
}

// errorText extracts the message from a PostgREST error body.
func errorText(data []byte) string {
	var e struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Msg != "" {
			return e.Msg
		}
	}
	return strings.TrimSpace(string(data))
}
