// Package session implements the client-side attendance session controller.
//
// A Controller tracks which leadership role controls attendance collection, drives
// start/close/reset/force-close against a Backend and reconciles its local view with the
// server on a fixed polling cadence. The server stays the sole arbiter of the
// single-active-session rule; the controller only mirrors it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/events"
)

// State of the controller's role with respect to attendance collection.
type State int

const (
	NoSession State = iota
	Starting
	OwnedActive
	Closing
	OwnedClosed
	// Blocked means the active session is owned by another role.
	Blocked
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Starting:
		return "starting"
	case OwnedActive:
		return "owned-active"
	case Closing:
		return "closing"
	case OwnedClosed:
		return "owned-closed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Op names a controller operation.
type Op string

const (
	OpStart      Op = "start"
	OpClose      Op = "close"
	OpReset      Op = "reset"
	OpForceClose Op = "force-close"
	OpPoll       Op = "poll"
)

// Backend is the transport to the session authority. One method per endpoint.
// Open must return an *attendance.ConflictError (possibly wrapped) when another role owns the active session.
type Backend interface {
	Status(ctx context.Context) (*attendance.Session, error)
	Open(ctx context.Context, role, ministry string) (attendance.Session, error)
	Close(ctx context.Context, role string, finalCount int) (attendance.Session, error)
	Reset(ctx context.Context, role string) (sess attendance.Session, recordsCleared int, err error)
	ForceClose(ctx context.Context, newRole string) (closedRole string, err error)
	Records(ctx context.Context, sessionID string) ([]attendance.Record, error)
}

// View is a snapshot of the controller's local view state.
type View struct {
	State        State
	LocalSession *attendance.Session // session owned by the controller's role
	GlobalActive *attendance.Session // server's currently active session, any role
	Records      []attendance.Record
	BlockedBy    string // role owning the active session while Blocked
	Warning      string // last transient failure, cleared by the next success
}

// RecordKey returns the render identity of the i-th record: ids are expected unique but not trusted to be.
func (v View) RecordKey(i int) string {
	return fmt.Sprintf("%s#%d", v.Records[i].ID, i)
}

func (v View) clone() View {
	c := v
	if v.LocalSession != nil {
		s := *v.LocalSession
		c.LocalSession = &s
	}
	if v.GlobalActive != nil {
		s := *v.GlobalActive
		c.GlobalActive = &s
	}
	if v.Records != nil {
		c.Records = make([]attendance.Record, len(v.Records))
		copy(c.Records, v.Records)
	}
	return c
}

// ticket orders requests by initiation.
type ticket struct {
	seq   uint64
	epoch uint64
}

type Controller struct {
	backend  Backend
	role     string
	ministry string
	interval time.Duration
	timeout  time.Duration
	source   events.Source
	logger   core.Logger
	broker   *events.Broker

	mu      sync.Mutex
	view    View
	seq     uint64 // last issued ticket
	applied uint64 // ticket of the last applied response
	epoch   uint64 // bumped on Detach
	polling bool   // attached; guarded by mu
	pending Op     // reset or force-close awaiting its response

	// scheduled task
	cancel     context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
	unsubs     []func()
	attachedMu sync.Mutex
}

// New returns a detached controller acting for role.
func New(backend Backend, role string, opts ...Option) *Controller {
	c := &Controller{
		backend:  backend,
		role:     core.CleanString(role),
		interval: defaultInterval,
		timeout:  defaultTimeout,
		broker:   events.NewBroker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	return c
}

func (c *Controller) Role() string { return c.role }

// Interval returns the polling interval in use.
func (c *Controller) Interval() time.Duration { return c.interval }

// View returns a copy of the current view state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Can reports whether op is allowed in the current state. It is UX guidance, not a security boundary.
func (c *Controller) Can(op Op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.can(op)
}

func (c *Controller) can(op Op) bool {
	if op == OpPoll {
		return true
	}
	if c.pending != "" {
		return false
	}
	switch op {
	case OpForceClose:
		return c.view.State == Blocked
	case OpStart:
		return c.view.State == NoSession || c.view.State == OwnedClosed
	case OpClose, OpReset:
		return c.view.State == OwnedActive
	default:
		return false
	}
}

// Subscribe registers fn for events of kind received from the event source while attached.
func (c *Controller) Subscribe(kind events.Kind, fn events.Handler) (unsubscribe func()) {
	return c.broker.Subscribe(kind, fn)
}

func (c *Controller) begin() ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return ticket{seq: c.seq, epoch: c.epoch}
}

// apply runs fn on the view if t is the most recently initiated request to respond so far.
// Responses of requests started before a Detach are dropped.
func (c *Controller) apply(t ticket, fn func(v *View)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.epoch != c.epoch {
		c.logger.Debug(fmt.Sprintf("session: dropping response #%d of a detached view", t.seq))
		return false
	}
	if t.seq <= c.applied {
		c.logger.Debug(fmt.Sprintf("session: dropping stale response #%d (applied #%d)", t.seq, c.applied))
		return false
	}
	c.applied = t.seq
	fn(&c.view)
	return true
}

// fail records a failed request. The view state is restored to prev unless a newer response was applied meanwhile.
func (c *Controller) fail(t ticket, transitional, prev State, opErr *OperationError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.epoch != c.epoch {
		return
	}
	c.view.Warning = opErr.warning()
	if t.seq > c.applied && c.view.State == transitional {
		c.view.State = prev
	}
}

// enter moves the view to a transitional state if op is allowed.
func (c *Controller) enter(op Op, transitional State) (prev State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.can(op) {
		return c.view.State, false
	}
	prev = c.view.State
	c.view.State = transitional
	return prev, true
}

// reserve marks an irreversible op as in flight if it is allowed. Every other mutation is refused until release.
func (c *Controller) reserve(op Op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.can(op) {
		return false
	}
	c.pending = op
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()
}

// Start asks the server to open a session for the controller's role.
// On conflict the controller becomes Blocked and the error names the owning role.
func (c *Controller) Start(ctx context.Context) error {
	prev, ok := c.enter(OpStart, Starting)
	if !ok {
		return precondition(string(OpStart), errNotAllowed)
	}

	t := c.begin()
	sess, err := c.backend.Open(ctx, c.role, c.ministry)
	if err != nil {
		opErr := classify(string(OpStart), err)
		if conflict, isConflict := opErr.Err.(*attendance.ConflictError); isConflict {
			c.apply(t, func(v *View) {
				v.State = Blocked
				v.BlockedBy = conflict.ActiveRole
				v.LocalSession = nil
				v.Records = nil
				v.GlobalActive = &attendance.Session{ID: conflict.SessionID, Role: conflict.ActiveRole, Active: true}
				v.Warning = opErr.warning()
			})
			return opErr
		}
		c.fail(t, Starting, prev, opErr)
		return opErr
	}

	applied := c.apply(t, func(v *View) {
		if v.LocalSession == nil || v.LocalSession.ID != sess.ID {
			v.Records = []attendance.Record{}
		}
		v.State = OwnedActive
		v.LocalSession = &sess
		v.GlobalActive = &sess
		v.BlockedBy = ""
		v.Warning = ""
	})
	if !applied {
		return superseded(string(OpStart))
	}
	return nil
}

// Close closes the owned session, carrying the local attendee count. A failed close leaves the session active.
func (c *Controller) Close(ctx context.Context) error {
	prev, ok := c.enter(OpClose, Closing)
	if !ok {
		return precondition(string(OpClose), errNotAllowed)
	}

	c.mu.Lock()
	finalCount := len(c.view.Records)
	c.mu.Unlock()

	t := c.begin()
	sess, err := c.backend.Close(ctx, c.role, finalCount)
	if err != nil {
		opErr := classify(string(OpClose), err)
		c.fail(t, Closing, prev, opErr)
		return opErr
	}

	applied := c.apply(t, func(v *View) {
		v.State = OwnedClosed
		v.LocalSession = &sess
		v.GlobalActive = nil
		v.Warning = ""
	})
	if !applied {
		return superseded(string(OpClose))
	}
	return nil
}

// Reset deletes every attendance record system-wide and reopens a fresh session for the role.
// confirmation must equal attendance.ResetConfirmationPhrase(role); nothing is sent otherwise.
func (c *Controller) Reset(ctx context.Context, confirmation string) error {
	if confirmation != attendance.ResetConfirmationPhrase(c.role) {
		return precondition(string(OpReset), errBadPhrase)
	}
	if !c.reserve(OpReset) {
		return precondition(string(OpReset), errNotAllowed)
	}
	defer c.release()

	t := c.begin()
	sess, cleared, err := c.backend.Reset(ctx, c.role)
	if err != nil {
		opErr := classify(string(OpReset), err)
		c.fail(t, OwnedActive, OwnedActive, opErr)
		return opErr
	}

	c.logger.Info(fmt.Sprintf("session: %s reset attendance, %d records cleared", c.role, cleared))
	applied := c.apply(t, func(v *View) {
		v.State = OwnedActive
		v.LocalSession = &sess
		v.GlobalActive = &sess
		v.Records = []attendance.Record{}
		v.Warning = ""
	})
	if !applied {
		return superseded(string(OpReset))
	}
	return nil
}

// ForceClose terminates the session owned by another role. It does not start one for the controller's role.
func (c *Controller) ForceClose(ctx context.Context) error {
	if !c.reserve(OpForceClose) {
		return precondition(string(OpForceClose), errNotAllowed)
	}
	defer c.release()

	t := c.begin()
	closedRole, err := c.backend.ForceClose(ctx, c.role)
	if err != nil {
		opErr := classify(string(OpForceClose), err)
		c.fail(t, Blocked, Blocked, opErr)
		return opErr
	}

	c.logger.Info(fmt.Sprintf("session: %s force-closed the session of %s", c.role, closedRole))
	applied := c.apply(t, func(v *View) {
		v.State = NoSession
		v.BlockedBy = ""
		v.GlobalActive = nil
		v.LocalSession = nil
		v.Records = nil
		v.Warning = ""
	})
	if !applied {
		return superseded(string(OpForceClose))
	}
	return nil
}

// Poll reconciles the view with the server. It never fails: errors leave the last known state
// untouched and set a transient warning.
func (c *Controller) Poll(ctx context.Context) {
	t := c.begin()

	active, err := c.backend.Status(ctx)
	if err != nil {
		c.pollFailed(t, err)
		return
	}

	var records []attendance.Record
	if active != nil && active.Role == c.role {
		if records, err = c.backend.Records(ctx, active.ID); err != nil {
			c.pollFailed(t, err)
			return
		}
		if records == nil {
			records = []attendance.Record{}
		}
	}

	c.apply(t, func(v *View) {
		v.Warning = ""
		v.GlobalActive = active
		switch {
		case active == nil:
			v.BlockedBy = ""
			if v.State == OwnedClosed {
				return // keep showing the session we closed
			}
			v.State = NoSession
			v.LocalSession = nil
			v.Records = nil
		case active.Role == c.role:
			v.State = OwnedActive
			v.BlockedBy = ""
			v.LocalSession = active
			v.Records = records
		default:
			v.State = Blocked
			v.BlockedBy = active.Role
			v.LocalSession = nil
			v.Records = nil
		}
	})
}

func (c *Controller) pollFailed(t ticket, err error) {
	c.logger.Debug(fmt.Sprintf("session: poll failed: %v", err))
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.epoch == c.epoch {
		c.view.Warning = warningNoUpdate
	}
}

// DismissWarning clears the current warning.
func (c *Controller) DismissWarning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Warning = ""
}

// Attach starts the polling task and the event subscription. It polls once right away.
// Attaching an attached controller is a no-op.
func (c *Controller) Attach() {
	c.attachedMu.Lock()
	defer c.attachedMu.Unlock()

	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopDone = make(chan struct{})

	c.mu.Lock()
	c.polling = true
	c.mu.Unlock()

	if c.source != nil {
		c.unsubs = append(c.unsubs,
			c.source.Subscribe(events.KindRecordAdded, c.onRecordAdded),
			c.source.Subscribe(events.KindStatsChanged, c.broker.Publish),
			c.source.Subscribe(events.KindSessionChanged, func(evt events.Event) {
				c.broker.Publish(evt)
				c.tick(ctx)
			}),
		)
	}

	c.tick(ctx)
	go c.loop(ctx)
}

// Detach stops the polling task and the event subscription. Responses of requests still in flight are discarded.
func (c *Controller) Detach() {
	c.attachedMu.Lock()
	defer c.attachedMu.Unlock()

	if c.cancel == nil {
		return
	}

	c.mu.Lock()
	c.epoch++
	c.polling = false
	c.mu.Unlock()

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	c.cancel()
	<-c.loopDone
	c.inflight.Wait()
	c.cancel = nil
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick polls in its own goroutine so a hung request never delays the next tick.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	if !c.polling {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		c.Poll(pctx)
	}()
}

// onRecordAdded appends a record pushed by the server. The next poll replaces the list.
func (c *Controller) onRecordAdded(evt events.Event) {
	var rec attendance.Record
	if err := evt.Decode(&rec); err != nil {
		c.logger.Warn(fmt.Sprintf("session: decoding %s event: %v", evt.Kind, err))
		return
	}

	c.mu.Lock()
	if c.view.State == OwnedActive && c.view.LocalSession != nil && c.view.LocalSession.ID == rec.SessionID {
		c.view.Records = append(c.view.Records, rec)
	}
	c.mu.Unlock()

	c.broker.Publish(evt)
}
