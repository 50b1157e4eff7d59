// Package monitoring hands out short-lived, token-protected monitoring
// sessions so operators can follow a recovery plan from a URL.
package monitoring

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/recovery"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("monitoring session not found")
	// ErrUnauthorized covers both an unknown session and a wrong token.
	ErrUnauthorized = errors.New("monitoring session authentication failed")
)

// DefaultDuration is the lifetime of a new session.
const DefaultDuration = 24 * time.Hour

// Session is the public view of a monitoring session. The token is never
// part of it.
type Session struct {
	ID           string    `json:"session_id"`
	PlanID       string    `json:"plan_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ServiceName  string    `json:"service_name"`
	ServiceType  string    `json:"service_type"`
	Priority     string    `json:"priority"`
	Observers    []string  `json:"connected_observers"`

	EmergencyStopped bool   `json:"emergency_stopped"`
	StoppedBy        string `json:"stopped_by,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// Created is returned once, at creation. It is the only place the token
// and the monitoring URL appear.
type Created struct {
	Session Session `json:"session"`
	Token   string  `json:"token"`
	URL     string  `json:"url"`
}

// Stats summarizes the registry.
type Stats struct {
	TotalSessions      int            `json:"total_sessions"`
	EmergencyStopped   int            `json:"emergency_stopped"`
	ConnectedObservers int            `json:"connected_observers"`
	ByServiceType      map[string]int `json:"sessions_by_service_type"`
}

type entry struct {
	Session
	tokenHash [32]byte
	observers map[string]struct{}
}

func (e *entry) view() Session {
	s := e.Session
	s.Observers = make([]string, 0, len(e.observers))
	for o := range e.observers {
		s.Observers = append(s.Observers, o)
	}
	sort.Strings(s.Observers)
	return s
}

// Registry indexes sessions by id, token and plan. All three indexes are
// updated together under one lock.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*entry
	byToken map[[32]byte]string
	byPlan  map[string]string

	baseURL  string
	duration time.Duration
	now      func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRegistry creates a registry that builds URLs under baseURL.
func NewRegistry(baseURL string, defaultDuration time.Duration) *Registry {
	if defaultDuration <= 0 {
		defaultDuration = DefaultDuration
	}
	return &Registry{
		byID:     make(map[string]*entry),
		byToken:  make(map[[32]byte]string),
		byPlan:   make(map[string]string),
		baseURL:  strings.TrimRight(baseURL, "/"),
		duration: defaultDuration,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create opens a session for plan. A zero duration uses the default.
func (r *Registry) Create(plan *recovery.Plan, priority string, duration time.Duration) (Created, error) {
	if plan == nil || plan.ID == "" {
		return Created{}, fmt.Errorf("monitoring: plan id is required")
	}
	if duration <= 0 {
		duration = r.duration
	}
	if priority == "" {
		priority = "medium"
	}
	token, err := newToken()
	if err != nil {
		return Created{}, fmt.Errorf("monitoring: generate token: %w", err)
	}

	now := r.now()
	e := &entry{
		Session: Session{
			ID:           uuid.NewString(),
			PlanID:       plan.ID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(duration),
			LastAccessed: now,
			ServiceName:  plan.ServiceName,
			ServiceType:  plan.ServiceType,
			Priority:     priority,
		},
		tokenHash: sha256.Sum256([]byte(token)),
		observers: make(map[string]struct{}),
	}

	r.mu.Lock()
	// One session per plan; a new one replaces the old.
	if old, ok := r.byPlan[plan.ID]; ok {
		r.removeLocked(r.byID[old])
	}
	r.byID[e.ID] = e
	r.byToken[e.tokenHash] = e.ID
	r.byPlan[e.PlanID] = e.ID
	view := e.view()
	r.mu.Unlock()

	log.WithFields(log.Fields{"session_id": e.ID, "plan_id": plan.ID, "expires_in": duration}).Info("created monitoring session")
	return Created{Session: view, Token: token, URL: r.url(e.ID, token)}, nil
}

func (r *Registry) url(id, token string) string {
	return fmt.Sprintf("%s/monitor/%s?token=%s", r.baseURL, url.PathEscape(id), url.QueryEscape(token))
}

func (r *Registry) removeLocked(e *entry) {
	if e == nil {
		return
	}
	delete(r.byID, e.ID)
	delete(r.byToken, e.tokenHash)
	if r.byPlan[e.PlanID] == e.ID {
		delete(r.byPlan, e.PlanID)
	}
}

// liveLocked returns the entry for id, removing it if it expired.
func (r *Registry) liveLocked(id string) *entry {
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	if r.now().After(e.ExpiresAt) {
		log.WithField("session_id", id).Info("monitoring session expired, removing")
		r.removeLocked(e)
		return nil
	}
	return e
}

// Get returns the session with id. Expired sessions are removed.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.liveLocked(id)
	if e == nil {
		return Session{}, ErrNotFound
	}
	return e.view(), nil
}

// ByToken looks a session up by its token.
func (r *Registry) ByToken(token string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[sha256.Sum256([]byte(token))]
	if !ok {
		return Session{}, ErrNotFound
	}
	e := r.liveLocked(id)
	if e == nil {
		return Session{}, ErrNotFound
	}
	return e.view(), nil
}

// ByPlan returns the session monitoring planID.
func (r *Registry) ByPlan(planID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPlan[planID]
	if !ok {
		return Session{}, ErrNotFound
	}
	e := r.liveLocked(id)
	if e == nil {
		return Session{}, ErrNotFound
	}
	return e.view(), nil
}

// Authenticate checks token against session id in constant time and
// touches the last-access time on success.
func (r *Registry) Authenticate(id, token string) (Session, error) {
	given := sha256.Sum256([]byte(token))

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.liveLocked(id)
	if e == nil {
		// Compare anyway so both failure modes cost the same.
		subtle.ConstantTimeCompare(given[:], given[:])
		log.WithField("session_id", id).Warn("monitoring authentication failed")
		return Session{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(given[:], e.tokenHash[:]) != 1 {
		log.WithField("session_id", id).Warn("monitoring authentication failed")
		return Session{}, ErrUnauthorized
	}
	e.LastAccessed = r.now()
	return e.view(), nil
}

func (r *Registry) mutate(id string, fn func(*entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.liveLocked(id)
	if e == nil {
		return ErrNotFound
	}
	fn(e)
	return nil
}

// ConnectObserver registers observer on session id.
func (r *Registry) ConnectObserver(id, observer string) error {
	err := r.mutate(id, func(e *entry) {
		e.observers[observer] = struct{}{}
		e.LastAccessed = r.now()
	})
	if err == nil {
		log.WithFields(log.Fields{"session_id": id, "observer": observer}).Info("observer connected")
	}
	return err
}

// DisconnectObserver removes observer from session id.
func (r *Registry) DisconnectObserver(id, observer string) error {
	return r.mutate(id, func(e *entry) {
		delete(e.observers, observer)
	})
}

// EmergencyStop flags session id as stopped. The flag is advisory; the
// caller is responsible for engaging the engine-wide stop.
func (r *Registry) EmergencyStop(id, actor, reason string) error {
	if reason == "" {
		reason = "operator emergency stop"
	}
	err := r.mutate(id, func(e *entry) {
		e.EmergencyStopped = true
		e.StoppedBy = actor
		e.StopReason = reason
	})
	if err == nil {
		log.WithFields(log.Fields{"session_id": id, "actor": actor, "reason": reason}).Error("emergency stop requested from monitoring session")
	}
	return err
}

// Extend pushes the expiry of session id by d.
func (r *Registry) Extend(id string, d time.Duration) error {
	if d <= 0 {
		d = r.duration
	}
	return r.mutate(id, func(e *entry) {
		e.ExpiresAt = e.ExpiresAt.Add(d)
	})
}

// Close removes session id. It reports whether the session existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(e)
	log.WithField("session_id", id).Info("closed monitoring session")
	return true
}

// CleanupExpired removes every expired session and returns how many.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked()
}

func (r *Registry) cleanupLocked() int {
	now := r.now()
	n := 0
	for _, e := range r.byID {
		if now.After(e.ExpiresAt) {
			r.removeLocked(e)
			n++
		}
	}
	if n > 0 {
		log.Infof("cleaned up %d expired monitoring sessions", n)
	}
	return n
}

// All returns every live session, oldest first.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked()
	out := make([]Session, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats summarizes the live sessions.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked()
	st := Stats{ByServiceType: make(map[string]int)}
	for _, e := range r.byID {
		st.TotalSessions++
		if e.EmergencyStopped {
			st.EmergencyStopped++
		}
		st.ConnectedObservers += len(e.observers)
		st.ByServiceType[e.ServiceType]++
	}
	return st
}

// Start runs CleanupExpired every interval until ctx is done or Stop is
// called.
func (r *Registry) Start(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("monitoring cleanup already running")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupExpired()
			}
		}
	}(r.done)
	return nil
}

// Stop halts the cleanup loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.running = false
	r.mu.Unlock()
	<-done
}
