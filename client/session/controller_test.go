package session

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/events"
)

type statusErr struct {
	code int
	msg  string
}

func (err *statusErr) Error() string   { return err.msg }
func (err *statusErr) StatusCode() int { return err.code }

// fakeBackend keeps a single active session like the API does. Calls to a gated endpoint compute
// their response first, then block until released, so responses can be delivered out of order.
type fakeBackend struct {
	mu      sync.Mutex
	nextID  int
	active  *attendance.Session
	records map[string][]attendance.Record
	calls   map[string]int
	gates   map[string]chan struct{}
	entered chan string
	errs    map[string]error

	ignoreCancel bool // gated calls wait for their release even if ctx is done
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records: make(map[string][]attendance.Record),
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
		errs:    make(map[string]error),
	}
}

func (b *fakeBackend) gate(op string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[op] = ch
	b.mu.Unlock()
	return func() { close(ch) }
}

func (b *fakeBackend) failWith(op string, err error) {
	b.mu.Lock()
	b.errs[op] = err
	b.mu.Unlock()
}

func (b *fakeBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// enter counts the call and returns the configured error and gate of op. Callers hold b.mu.
func (b *fakeBackend) enter(op string) (error, chan struct{}) {
	b.calls[op]++
	gate := b.gates[op]
	delete(b.gates, op)
	return b.errs[op], gate
}

func (b *fakeBackend) wait(ctx context.Context, op string, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	b.entered <- op
	if b.ignoreCancel {
		<-gate
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) addRecord(sessionID, name string) attendance.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	rec := attendance.Record{ID: "r" + strconv.Itoa(b.nextID), SessionID: sessionID, Name: name, SignedAt: time.Now().UTC()}
	b.records[sessionID] = append(b.records[sessionID], rec)
	return rec
}

func (b *fakeBackend) setActive(sess *attendance.Session) {
	b.mu.Lock()
	b.active = sess
	b.mu.Unlock()
}

func (b *fakeBackend) Status(ctx context.Context) (*attendance.Session, error) {
	b.mu.Lock()
	err, gate := b.enter("status")
	var resp *attendance.Session
	if b.active != nil {
		s := *b.active
		resp = &s
	}
	b.mu.Unlock()

	if wErr := b.wait(ctx, "status", gate); wErr != nil {
		return nil, wErr
	}
	return resp, err
}

func (b *fakeBackend) Open(ctx context.Context, role, ministry string) (attendance.Session, error) {
	b.mu.Lock()
	err, gate := b.enter("open")
	var resp attendance.Session
	if err == nil {
		switch {
		case b.active != nil && b.active.Role != role:
			err = &attendance.ConflictError{ActiveRole: b.active.Role, SessionID: b.active.ID}
		case b.active != nil:
			resp = *b.active
		default:
			b.nextID++
			resp = attendance.Session{ID: "s" + strconv.Itoa(b.nextID), Role: role, Ministry: ministry, Active: true, StartedAt: time.Now().UTC()}
			b.active = &resp
		}
	}
	b.mu.Unlock()

	if wErr := b.wait(ctx, "open", gate); wErr != nil {
		return attendance.Session{}, wErr
	}
	return resp, err
}

func (b *fakeBackend) Close(ctx context.Context, role string, finalCount int) (attendance.Session, error) {
	b.mu.Lock()
	err, gate := b.enter("close")
	var resp attendance.Session
	if err == nil {
		if b.active == nil || b.active.Role != role {
			err = &statusErr{code: http.StatusForbidden, msg: "the active session is owned by another role"}
		} else {
			now := time.Now().UTC()
			resp = *b.active
			resp.Active = false
			resp.EndedAt = &now
			resp.AttendeeCount = finalCount
			b.active = nil
		}
	}
	b.mu.Unlock()

	if wErr := b.wait(ctx, "close", gate); wErr != nil {
		return attendance.Session{}, wErr
	}
	return resp, err
}

func (b *fakeBackend) Reset(ctx context.Context, role string) (attendance.Session, int, error) {
	b.mu.Lock()
	err, gate := b.enter("reset")
	var (
		resp    attendance.Session
		cleared int
	)
	if err == nil {
		if b.active == nil || b.active.Role != role {
			err = &statusErr{code: http.StatusForbidden, msg: "the active session is owned by another role"}
		} else {
			for _, recs := range b.records {
				cleared += len(recs)
			}
			b.records = make(map[string][]attendance.Record)
			b.nextID++
			resp = attendance.Session{ID: "s" + strconv.Itoa(b.nextID), Role: role, Active: true, StartedAt: time.Now().UTC()}
			b.active = &resp
		}
	}
	b.mu.Unlock()

	if wErr := b.wait(ctx, "reset", gate); wErr != nil {
		return attendance.Session{}, 0, wErr
	}
	return resp, cleared, err
}

func (b *fakeBackend) ForceClose(ctx context.Context, newRole string) (string, error) {
	b.mu.Lock()
	err, gate := b.enter("forceClose")
	var closedRole string
	if err == nil {
		switch {
		case b.active == nil:
			err = &statusErr{code: http.StatusConflict, msg: "no active session"}
		case b.active.Role == newRole:
			err = &statusErr{code: http.StatusConflict, msg: "cannot force-close your own session, close it instead"}
		default:
			closedRole = b.active.Role
			b.active = nil
		}
	}
	b.mu.Unlock()

	if wErr := b.wait(ctx, "forceClose", gate); wErr != nil {
		return "", wErr
	}
	return closedRole, err
}

func (b *fakeBackend) Records(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	b.mu.Lock()
	err, gate := b.enter("records")
	resp := append([]attendance.Record(nil), b.records[sessionID]...)
	b.mu.Unlock()

	if wErr := b.wait(ctx, "records", gate); wErr != nil {
		return nil, wErr
	}
	return resp, err
}

func opKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	opErr, ok := err.(*OperationError)
	require.True(t, ok, "err = %#v", err)
	return opErr.Kind
}

func TestController_StartCloseLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	c := New(b, " Worship ", WithMinistry("Music"))

	assert.Equal(t, "Worship", c.Role())
	assert.Equal(t, NoSession, c.View().State)
	assert.True(t, c.Can(OpStart))
	assert.False(t, c.Can(OpClose))
	assert.False(t, c.Can(OpReset))
	assert.False(t, c.Can(OpForceClose))

	err := c.Close(ctx)
	assert.Equal(t, Precondition, opKind(t, err))
	assert.Zero(t, b.callCount("close"))

	require.NoError(t, c.Start(ctx))
	v := c.View()
	require.Equal(t, OwnedActive, v.State)
	require.NotNil(t, v.LocalSession)
	assert.True(t, v.LocalSession.Active)
	assert.Equal(t, "Music", v.LocalSession.Ministry)
	assert.Equal(t, v.LocalSession, v.GlobalActive)
	assert.Empty(t, v.Records)

	err = c.Start(ctx)
	assert.Equal(t, Precondition, opKind(t, err))

	b.addRecord(v.LocalSession.ID, "Jane")
	b.addRecord(v.LocalSession.ID, "John")
	c.Poll(ctx)
	require.Len(t, c.View().Records, 2)

	require.NoError(t, c.Close(ctx))
	v = c.View()
	assert.Equal(t, OwnedClosed, v.State)
	assert.False(t, v.LocalSession.Active)
	assert.Equal(t, 2, v.LocalSession.AttendeeCount)
	assert.Nil(t, v.GlobalActive)

	// a null poll keeps showing the closed session
	c.Poll(ctx)
	v = c.View()
	assert.Equal(t, OwnedClosed, v.State)
	require.NotNil(t, v.LocalSession)
	assert.True(t, c.Can(OpStart))
}

func TestController_ConflictAndForceClose(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	worship := New(b, "Worship")
	choir := New(b, "Choir")

	require.NoError(t, worship.Start(ctx))
	s1 := worship.View().LocalSession.ID

	err := choir.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, Conflict, opKind(t, err))
	assert.Contains(t, err.Error(), "Worship")

	v := choir.View()
	assert.Equal(t, Blocked, v.State)
	assert.Equal(t, "Worship", v.BlockedBy)
	assert.Nil(t, v.LocalSession)
	require.NotNil(t, v.GlobalActive)
	assert.Equal(t, s1, v.GlobalActive.ID)
	assert.NotEmpty(t, v.Warning)

	for _, op := range []Op{OpStart, OpClose, OpReset} {
		assert.False(t, choir.Can(op), op)
	}
	assert.True(t, choir.Can(OpForceClose))
	assert.False(t, worship.Can(OpForceClose))

	require.NoError(t, choir.ForceClose(ctx))
	v = choir.View()
	assert.Equal(t, NoSession, v.State)
	assert.Empty(t, v.BlockedBy)
	assert.Empty(t, v.Warning)
	assert.Equal(t, 2, b.callCount("open")) // force-close does not open a session
	b.mu.Lock()
	assert.Nil(t, b.active)
	b.mu.Unlock()

	worship.Poll(ctx)
	assert.Equal(t, NoSession, worship.View().State)
	assert.Nil(t, worship.View().GlobalActive)

	require.NoError(t, choir.Start(ctx))
	assert.NotEqual(t, s1, choir.View().LocalSession.ID)

	// worship learns it is blocked on its next poll
	worship.Poll(ctx)
	assert.Equal(t, Blocked, worship.View().State)
	assert.Equal(t, "Choir", worship.View().BlockedBy)
}

func TestController_Reset(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	c := New(b, "Youth")

	err := c.Reset(ctx, attendance.ResetConfirmationPhrase(c.Role()))
	assert.Equal(t, Precondition, opKind(t, err))

	require.NoError(t, c.Start(ctx))
	old := c.View().LocalSession.ID
	b.addRecord(old, "Jane")
	b.addRecord("elsewhere", "John")
	c.Poll(ctx)
	require.Len(t, c.View().Records, 1)

	tests := []string{"", "reset youth", "RESET WORSHIP", "RESET YOUTH "}
	for _, phrase := range tests {
		err = c.Reset(ctx, phrase)
		assert.Equal(t, Precondition, opKind(t, err), phrase)
	}
	assert.Zero(t, b.callCount("reset"))

	require.NoError(t, c.Reset(ctx, "RESET YOUTH"))
	v := c.View()
	assert.Equal(t, OwnedActive, v.State)
	assert.Empty(t, v.Records)
	assert.True(t, v.LocalSession.Active)
	assert.NotEqual(t, old, v.LocalSession.ID)

	b.mu.Lock()
	assert.Empty(t, b.records)
	b.mu.Unlock()
}

func TestController_IrreversibleOpsRunOneAtATime(t *testing.T) {
	ctx := context.Background()

	t.Run("reset", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Youth")
		require.NoError(t, c.Start(ctx))
		phrase := attendance.ResetConfirmationPhrase(c.Role())

		release := b.gate("reset")
		errc := make(chan error, 1)
		go func() { errc <- c.Reset(ctx, phrase) }()
		require.Equal(t, "reset", <-b.entered)

		for _, op := range []Op{OpStart, OpClose, OpReset, OpForceClose} {
			assert.False(t, c.Can(op), op)
		}
		assert.Equal(t, Precondition, opKind(t, c.Reset(ctx, phrase)))
		assert.Equal(t, Precondition, opKind(t, c.Close(ctx)))

		release()
		require.NoError(t, <-errc)
		assert.Equal(t, 1, b.callCount("reset"))
		assert.Zero(t, b.callCount("close"))
		assert.True(t, c.Can(OpReset))
	})

	t.Run("failed reset releases the controller", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Youth")
		require.NoError(t, c.Start(ctx))
		b.failWith("reset", errors.New("connection reset by peer"))

		assert.Equal(t, Network, opKind(t, c.Reset(ctx, attendance.ResetConfirmationPhrase(c.Role()))))
		assert.True(t, c.Can(OpReset))
		assert.True(t, c.Can(OpClose))
	})

	t.Run("force-close", func(t *testing.T) {
		b := newFakeBackend()
		b.setActive(&attendance.Session{ID: "s0", Role: "Choir", Active: true})
		c := New(b, "Worship")
		c.Poll(ctx)
		require.Equal(t, Blocked, c.View().State)

		release := b.gate("forceClose")
		errc := make(chan error, 1)
		go func() { errc <- c.ForceClose(ctx) }()
		require.Equal(t, "forceClose", <-b.entered)

		assert.False(t, c.Can(OpForceClose))
		assert.Equal(t, Precondition, opKind(t, c.ForceClose(ctx)))

		release()
		require.NoError(t, <-errc)
		assert.Equal(t, 1, b.callCount("forceClose"))
		assert.Equal(t, NoSession, c.View().State)
		assert.True(t, c.Can(OpStart))
	})
}

func TestController_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("network error on start restores the state", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")
		b.failWith("open", errors.New("dial tcp: connection refused"))

		err := c.Start(ctx)
		assert.Equal(t, Network, opKind(t, err))
		v := c.View()
		assert.Equal(t, NoSession, v.State)
		assert.Equal(t, "unable to reach server", v.Warning)
		assert.True(t, c.Can(OpStart))

		c.DismissWarning()
		assert.Empty(t, c.View().Warning)
	})

	t.Run("timeout", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")
		b.failWith("open", errors.Wrap(context.DeadlineExceeded, "POST /v1/attendance/session/start"))

		err := c.Start(ctx)
		assert.Equal(t, Network, opKind(t, err))
		assert.Equal(t, "unable to reach server: request timed out", c.View().Warning)
	})

	t.Run("failed close leaves the session active", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")
		require.NoError(t, c.Start(ctx))
		b.failWith("close", &statusErr{code: http.StatusInternalServerError, msg: "database is down"})

		err := c.Close(ctx)
		assert.Equal(t, Server, opKind(t, err))
		v := c.View()
		assert.Equal(t, OwnedActive, v.State)
		assert.True(t, v.LocalSession.Active)
		assert.Equal(t, "database is down", v.Warning)
	})

	t.Run("failed poll keeps the last known state", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")
		require.NoError(t, c.Start(ctx))
		before := c.View()

		b.failWith("status", errors.New("connection reset by peer"))
		c.Poll(ctx)
		after := c.View()
		assert.Equal(t, "unable to refresh", after.Warning)
		after.Warning = ""
		assert.Equal(t, before, after)

		b.failWith("status", nil)
		c.Poll(ctx)
		assert.Empty(t, c.View().Warning)
	})

	t.Run("failed force-close stays blocked", func(t *testing.T) {
		b := newFakeBackend()
		b.setActive(&attendance.Session{ID: "s0", Role: "Choir", Active: true})
		c := New(b, "Worship")
		c.Poll(ctx)
		require.Equal(t, Blocked, c.View().State)

		b.failWith("forceClose", &statusErr{code: http.StatusForbidden, msg: "permission denied"})
		err := c.ForceClose(ctx)
		assert.Equal(t, Server, opKind(t, err))
		assert.Equal(t, Blocked, c.View().State)
		assert.Equal(t, "permission denied", c.View().Warning)
	})
}

func TestController_PollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	c := New(b, "Worship")
	require.NoError(t, c.Start(ctx))
	sess := c.View().LocalSession
	b.addRecord(sess.ID, "Jane")
	b.addRecord(sess.ID, "Jane") // duplicates are kept

	c.Poll(ctx)
	first := c.View()
	for i := 0; i < 3; i++ {
		c.Poll(ctx)
		assert.Equal(t, first, c.View())
	}
	require.Len(t, first.Records, 2)
	assert.NotEqual(t, first.RecordKey(0), first.RecordKey(1))
}

func TestController_StaleResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("poll started before a mutation", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")

		release := b.gate("status")
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.Poll(ctx) // sees no active session
		}()
		require.Equal(t, "status", <-b.entered)

		require.NoError(t, c.Start(ctx))
		release()
		<-done

		v := c.View()
		assert.Equal(t, OwnedActive, v.State)
		assert.NotNil(t, v.LocalSession)
	})

	t.Run("mutation started before a poll", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")

		release := b.gate("open")
		errc := make(chan error, 1)
		go func() { errc <- c.Start(ctx) }()
		require.Equal(t, "open", <-b.entered)
		assert.Equal(t, Starting, c.View().State)

		// the session is force-closed by another role before the open response comes back
		b.setActive(&attendance.Session{ID: "s9", Role: "Choir", Active: true})
		c.Poll(ctx)
		require.Equal(t, Blocked, c.View().State)

		release()
		assert.Equal(t, Superseded, opKind(t, <-errc))

		v := c.View()
		assert.Equal(t, Blocked, v.State)
		assert.Equal(t, "Choir", v.BlockedBy)
		assert.Nil(t, v.LocalSession)
	})

	t.Run("late failure does not revert a newer state", func(t *testing.T) {
		b := newFakeBackend()
		c := New(b, "Worship")
		require.NoError(t, c.Start(ctx))

		release := b.gate("close")
		b.failWith("close", &statusErr{code: http.StatusBadGateway, msg: "bad gateway"})
		errc := make(chan error, 1)
		go func() { errc <- c.Close(ctx) }()
		require.Equal(t, "close", <-b.entered)

		b.setActive(nil)
		c.Poll(ctx)
		require.Equal(t, NoSession, c.View().State)

		release()
		assert.Equal(t, Server, opKind(t, <-errc))
		assert.Equal(t, NoSession, c.View().State)
	})
}

func TestController_AttachDetach(t *testing.T) {
	b := newFakeBackend()
	b.setActive(&attendance.Session{ID: "s1", Role: "Worship", Active: true})
	b.addRecord("s1", "Jane")

	c := New(b, "Worship", WithInterval(10*time.Millisecond))
	c.Attach()
	c.Attach() // no-op

	assert.Eventually(t, func() bool { return b.callCount("status") >= 3 }, time.Second, 5*time.Millisecond)
	v := c.View()
	assert.Equal(t, OwnedActive, v.State)
	assert.Len(t, v.Records, 1)

	c.Detach()
	c.Detach() // no-op
	calls := b.callCount("status")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, b.callCount("status"))
}

func TestController_DetachDiscardsInFlightPolls(t *testing.T) {
	b := newFakeBackend()
	b.ignoreCancel = true
	b.setActive(&attendance.Session{ID: "s1", Role: "Choir", Active: true})
	c := New(b, "Worship", WithInterval(time.Hour))

	release := b.gate("status")
	c.Attach()
	require.Equal(t, "status", <-b.entered)

	// the poll completes successfully, after the view is gone
	time.AfterFunc(20*time.Millisecond, release)
	c.Detach()

	v := c.View()
	assert.Equal(t, NoSession, v.State)
	assert.Nil(t, v.GlobalActive)
	assert.Empty(t, v.Warning)

	// polling by hand still works
	c.Poll(context.Background())
	assert.Equal(t, Blocked, c.View().State)
}

func TestController_HungPollDoesNotDelayTicks(t *testing.T) {
	b := newFakeBackend()
	c := New(b, "Worship", WithInterval(10*time.Millisecond), WithRequestTimeout(time.Hour))

	b.gate("status") // the first poll hangs
	c.Attach()
	defer c.Detach()
	require.Equal(t, "status", <-b.entered)

	assert.Eventually(t, func() bool { return b.callCount("status") >= 3 }, time.Second, 5*time.Millisecond)
}

func TestController_Events(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	src := events.NewBroker()
	c := New(b, "Worship", WithInterval(time.Hour), WithEventSource(src))
	require.NoError(t, c.Start(ctx))
	sessID := c.View().LocalSession.ID

	var (
		mu    sync.Mutex
		stats []attendance.Stats
	)
	unsubscribe := c.Subscribe(events.KindStatsChanged, func(evt events.Event) {
		var s attendance.Stats
		if evt.Decode(&s) == nil {
			mu.Lock()
			stats = append(stats, s)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	// events are ignored while detached
	evt, err := events.NewEvent(events.KindStatsChanged, attendance.Stats{SessionID: sessID, AttendeeCount: 1})
	require.NoError(t, err)
	src.Publish(evt)
	mu.Lock()
	assert.Empty(t, stats)
	mu.Unlock()

	c.Attach()
	assert.Eventually(t, func() bool { return b.callCount("status") == 1 && b.callCount("records") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, src.Len())

	src.Publish(evt)
	mu.Lock()
	assert.Equal(t, []attendance.Stats{{SessionID: sessID, AttendeeCount: 1}}, stats)
	mu.Unlock()

	// a session change triggers a poll
	sessEvt, err := events.NewEvent(events.KindSessionChanged, attendance.Session{ID: sessID})
	require.NoError(t, err)
	src.Publish(sessEvt)
	assert.Eventually(t, func() bool { return b.callCount("status") == 2 }, time.Second, 5*time.Millisecond)

	c.Detach()
	assert.Zero(t, src.Len())
}

func TestController_onRecordAdded(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	c := New(b, "Worship")
	require.NoError(t, c.Start(ctx))
	sessID := c.View().LocalSession.ID

	var added int
	c.Subscribe(events.KindRecordAdded, func(events.Event) { added++ })

	for _, rec := range []attendance.Record{
		{ID: "r1", SessionID: sessID, Name: "Jane"},
		{ID: "r2", SessionID: "another", Name: "John"},
	} {
		evt, err := events.NewEvent(events.KindRecordAdded, rec)
		require.NoError(t, err)
		c.onRecordAdded(evt)
	}
	c.onRecordAdded(events.Event{Kind: events.KindRecordAdded}) // no payload

	v := c.View()
	require.Len(t, v.Records, 1)
	assert.Equal(t, "r1", v.Records[0].ID)
	assert.Equal(t, 2, added)

	// the next poll replaces the optimistic list
	c.Poll(ctx)
	assert.Empty(t, c.View().Records)
}
