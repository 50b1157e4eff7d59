package monitoring

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/cloudrecovery/internal/recovery"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry("http://localhost:8787/", time.Hour)
	r.now = c.now
	return r, c
}

func plan(id, svcType string) *recovery.Plan {
	return &recovery.Plan{ID: id, ServiceName: "svc-" + id, ServiceType: svcType}
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	r, _ := newTestRegistry()

	created, err := r.Create(plan("p1", "website"), "", 0)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(created.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, "http://localhost:8787/monitor/"+created.Session.ID+"?token="+created.Token, created.URL)
	assert.Equal(t, "medium", created.Session.Priority)

	byID, err := r.Get(created.Session.ID)
	require.NoError(t, err)
	byToken, err := r.ByToken(created.Token)
	require.NoError(t, err)
	byPlan, err := r.ByPlan("p1")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byToken.ID)
	assert.Equal(t, byID.ID, byPlan.ID)

	_, err = r.Create(nil, "", 0)
	assert.Error(t, err)
}

func TestRegistry_Authenticate(t *testing.T) {
	r, c := newTestRegistry()
	created, err := r.Create(plan("p1", "website"), "high", 0)
	require.NoError(t, err)

	c.advance(time.Minute)
	s, err := r.Authenticate(created.Session.ID, created.Token)
	require.NoError(t, err)
	assert.Equal(t, c.now(), s.LastAccessed)

	_, errBadToken := r.Authenticate(created.Session.ID, "wrong")
	_, errBadID := r.Authenticate("missing", created.Token)
	assert.ErrorIs(t, errBadToken, ErrUnauthorized)
	assert.Equal(t, errBadToken, errBadID)
}

func TestRegistry_Expiry(t *testing.T) {
	r, c := newTestRegistry()
	created, err := r.Create(plan("p1", "website"), "", 30*time.Minute)
	require.NoError(t, err)
	_, err = r.Create(plan("p2", "postgresql"), "", 2*time.Hour)
	require.NoError(t, err)

	c.advance(31 * time.Minute)

	_, err = r.Get(created.Session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.ByToken(created.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.ByPlan("p1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, r.All(), 1)
	c.advance(2 * time.Hour)
	assert.Equal(t, 1, r.CleanupExpired())
	assert.Empty(t, r.All())
}

func TestRegistry_ObserversStopExtendClose(t *testing.T) {
	r, c := newTestRegistry()
	created, err := r.Create(plan("p1", "mcp"), "", time.Hour)
	require.NoError(t, err)
	id := created.Session.ID

	require.NoError(t, r.ConnectObserver(id, "alice"))
	require.NoError(t, r.ConnectObserver(id, "bob"))
	require.NoError(t, r.DisconnectObserver(id, "alice"))
	require.NoError(t, r.EmergencyStop(id, "bob", ""))

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, s.Observers)
	assert.True(t, s.EmergencyStopped)
	assert.Equal(t, "bob", s.StoppedBy)
	assert.NotEmpty(t, s.StopReason)

	st := r.Stats()
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, 1, st.EmergencyStopped)
	assert.Equal(t, 1, st.ConnectedObservers)
	assert.Equal(t, map[string]int{"mcp": 1}, st.ByServiceType)

	require.NoError(t, r.Extend(id, time.Hour))
	c.advance(90 * time.Minute)
	_, err = r.Get(id)
	require.NoError(t, err)

	assert.True(t, r.Close(id))
	assert.False(t, r.Close(id))
	assert.ErrorIs(t, r.ConnectObserver(id, "carol"), ErrNotFound)
	assert.ErrorIs(t, r.Extend(id, time.Hour), ErrNotFound)
}

func TestRegistry_NewSessionReplacesPlanSession(t *testing.T) {
	r, _ := newTestRegistry()
	first, err := r.Create(plan("p1", "website"), "", 0)
	require.NoError(t, err)
	second, err := r.Create(plan("p1", "website"), "", 0)
	require.NoError(t, err)

	_, err = r.ByToken(first.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	s, err := r.ByPlan("p1")
	require.NoError(t, err)
	assert.Equal(t, second.Session.ID, s.ID)
	assert.Len(t, r.All(), 1)
}

func TestRegistry_TokenNeverInView(t *testing.T) {
	r, _ := newTestRegistry()
	created, err := r.Create(plan("p1", "website"), "", 0)
	require.NoError(t, err)

	for _, s := range r.All() {
		assert.NotContains(t, strings.Join([]string{s.ID, s.PlanID, s.ServiceName}, " "), created.Token)
	}
}

func TestRegistry_CleanupLoop(t *testing.T) {
	r, c := newTestRegistry()
	_, err := r.Create(plan("p1", "website"), "", time.Minute)
	require.NoError(t, err)
	c.advance(time.Hour)

	require.NoError(t, r.Start(context.Background(), 5*time.Millisecond))
	assert.Error(t, r.Start(context.Background(), time.Millisecond))
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.byID) == 0
	}, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
}

// The three indexes always describe the same set of sessions.
func TestProperty_IndexesStayConsistent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("indexes agree after random operations", prop.ForAll(
		func(ops []int) bool {
			r, c := newTestRegistry()
			var ids []string
			for i, op := range ops {
				switch op % 4 {
				case 0:
					created, err := r.Create(plan(string(rune('a'+i%5)), "website"), "", time.Duration(1+op%3)*time.Hour)
					if err != nil {
						return false
					}
					ids = append(ids, created.Session.ID)
				case 1:
					if len(ids) > 0 {
						r.Close(ids[op%len(ids)])
					}
				case 2:
					c.advance(time.Hour)
					r.CleanupExpired()
				case 3:
					if len(ids) > 0 {
						_ = r.Extend(ids[op%len(ids)], time.Hour)
					}
				}
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.byID) != len(r.byToken) || len(r.byID) != len(r.byPlan) {
				return false
			}
			for hash, id := range r.byToken {
				e, ok := r.byID[id]
				if !ok || e.tokenHash != hash || r.byPlan[e.PlanID] != id {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
