package attendance

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/events"
)

var (
	// errors
	ErrNotFound            = errors.New("session not found")
	ErrNoActiveSession     = errors.New("no active session")
	ErrNotOwner            = errors.New("the active session is owned by another role")
	ErrOwnSession          = errors.New("cannot force-close your own session, close it instead")
	ErrSessionClosed       = errors.New("session is closed")
	ErrActiveSessionExists = errors.New("an active session already exists")

	nowFunc = func() time.Time { return time.Now().UTC() } // mockable
)

type (
	Repository interface {
		// RunInTx runs fn against a repository bound to a single transaction.
		RunInTx(ctx context.Context, fn func(repo Repository) error) error
		// GetActiveSession returns ErrNoActiveSession when no session is active.
		GetActiveSession(ctx context.Context) (Session, error)
		GetSession(ctx context.Context, id string) (Session, error)
		// CreateSession returns ErrActiveSessionExists when creating an active session while another one is active.
		CreateSession(ctx context.Context, sess Session) (Session, error)
		UpdateSession(ctx context.Context, sess Session) (Session, error)
		CreateRecord(ctx context.Context, rec Record) (Record, error)
		// QueryRecords returns the session's records in insertion order, or every record if sessionID is empty.
		QueryRecords(ctx context.Context, sessionID string) ([]Record, error)
		CountRecords(ctx context.Context, sessionID string) (int, error)
		DeleteAllRecords(ctx context.Context) (int, error)
	}

	Service interface {
		Status(ctx context.Context) (*Session, error)
		Open(ctx context.Context, os OpenSession) (Session, error)
		Close(ctx context.Context, cs CloseSession) (Session, error)
		Reset(ctx context.Context, rs ResetSession) (Session, int, error)
		ForceClose(ctx context.Context, fs ForceCloseSession) (Session, error)
		Records(ctx context.Context, sessionID string) ([]Record, error)
		GetSession(ctx context.Context, id string) (Session, error)
		SignIn(ctx context.Context, nr NewRecord) (Record, error)
		CloseStale(ctx context.Context, maxAge time.Duration) (int, error)
	}

	service struct {
		// mu serializes every state transition of the single active session within this process.
		// Across processes the repository's unique "active" constraint is the arbiter.
		mu          sync.Mutex
		repo        Repository
		publisher   events.Publisher
		mailSvc     core.EmailService
		logger      core.Logger
		adminEmails []mail.Address
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, publisher events.Publisher, mailSvc core.EmailService, logger core.Logger, conf *core.Config) Service {
	return &service{
		repo:        repo,
		publisher:   publisher,
		mailSvc:     mailSvc,
		logger:      logger,
		adminEmails: conf.AdminAddresses(),
	}
}

func (svc *service) withCount(ctx context.Context, sess Session, repo Repository) (Session, error) {
	if !sess.Active {
		return sess, nil
	}
	cnt, err := repo.CountRecords(ctx, sess.ID)
	if err != nil {
		return Session{}, errors.Wrap(err, "counting records")
	}
	sess.AttendeeCount = cnt
	return sess, nil
}

func (svc *service) publish(kind events.Kind, data interface{}) {
	if svc.publisher == nil {
		return
	}
	evt, err := events.NewEvent(kind, data)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("publishing %s: %v", kind, err), err)
		return
	}
	svc.publisher.Publish(evt)
}

func (svc *service) Status(ctx context.Context) (*Session, error) {
	sess, err := svc.repo.GetActiveSession(ctx)
	if err != nil {
		if errors.Cause(err) == ErrNoActiveSession {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting active session")
	}
	sess, err = svc.withCount(ctx, sess, svc.repo)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (svc *service) GetSession(ctx context.Context, id string) (Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, ErrNotFound
	}
	sess, err := svc.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return svc.withCount(ctx, sess, svc.repo)
}

// Open opens a session for os.Role. Re-opening by the role that already owns the active session returns it.
func (svc *service) Open(ctx context.Context, os OpenSession) (Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var sess Session
	err := svc.repo.RunInTx(ctx, func(repo Repository) error {
		active, err := repo.GetActiveSession(ctx)
		switch errors.Cause(err) {
		case nil:
			if active.Role != os.Role {
				return &ConflictError{ActiveRole: active.Role, SessionID: active.ID}
			}
			sess, err = svc.withCount(ctx, active, repo)
			return err
		case ErrNoActiveSession: // pass
		default:
			return errors.Wrap(err, "getting active session")
		}

		sess, err = repo.CreateSession(ctx, Session{
			ID:        uuid.New().String(),
			Role:      os.Role,
			Ministry:  os.Ministry,
			Active:    true,
			StartedAt: nowFunc(),
		})
		if errors.Cause(err) == ErrActiveSessionExists {
			// lost the race against another process
			if active, aErr := repo.GetActiveSession(ctx); aErr == nil {
				return &ConflictError{ActiveRole: active.Role, SessionID: active.ID}
			}
		}
		return errors.Wrap(err, "creating session")
	})
	if err != nil {
		return Session{}, err
	}

	svc.publish(events.KindSessionChanged, sess)
	return sess, nil
}

// ownedActive returns the active session if role owns it.
func (svc *service) ownedActive(ctx context.Context, repo Repository, role string) (Session, error) {
	active, err := repo.GetActiveSession(ctx)
	if err != nil {
		if errors.Cause(err) == ErrNoActiveSession {
			return Session{}, ErrNoActiveSession
		}
		return Session{}, errors.Wrap(err, "getting active session")
	}
	if active.Role != role {
		return Session{}, ErrNotOwner
	}
	return active, nil
}

func (svc *service) Close(ctx context.Context, cs CloseSession) (Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var sess Session
	err := svc.repo.RunInTx(ctx, func(repo Repository) error {
		active, err := svc.ownedActive(ctx, repo, cs.Role)
		if err != nil {
			return err
		}
		now := nowFunc()
		active.Active = false
		active.EndedAt = &now
		active.AttendeeCount = cs.FinalCount
		sess, err = repo.UpdateSession(ctx, active)
		return errors.Wrap(err, "closing session")
	})
	if err != nil {
		return Session{}, err
	}

	svc.publish(events.KindSessionChanged, sess)
	return sess, nil
}

// Reset deletes ALL records system-wide (not only the caller's), closes the caller's session and opens a fresh one.
func (svc *service) Reset(ctx context.Context, rs ResetSession) (Session, int, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var sess Session
	var cleared int
	var backup []Record
	err := svc.repo.RunInTx(ctx, func(repo Repository) error {
		active, err := svc.ownedActive(ctx, repo, rs.Role)
		if err != nil {
			return err
		}

		if backup, err = repo.QueryRecords(ctx, ""); err != nil {
			return errors.Wrap(err, "querying records")
		}
		if cleared, err = repo.DeleteAllRecords(ctx); err != nil {
			return errors.Wrap(err, "deleting records")
		}

		now := nowFunc()
		active.Active = false
		active.EndedAt = &now
		active.AttendeeCount = 0
		if _, err = repo.UpdateSession(ctx, active); err != nil {
			return errors.Wrap(err, "closing session")
		}

		sess, err = repo.CreateSession(ctx, Session{
			ID:        uuid.New().String(),
			Role:      active.Role,
			Ministry:  active.Ministry,
			Active:    true,
			StartedAt: now,
		})
		return errors.Wrap(err, "creating session")
	})
	if err != nil {
		return Session{}, 0, err
	}

	svc.publish(events.KindSessionChanged, sess)
	svc.publish(events.KindStatsChanged, Stats{SessionID: sess.ID})
	var attachments []core.Attachment
	if len(backup) > 0 {
		var buf bytes.Buffer
		if err = ExportXLSX(&buf, backup); err != nil {
			svc.logger.Error(fmt.Sprintf("exporting cleared records: %v", err), err)
		} else {
			attachments = append(attachments, core.Attachment{
				Filename:    fmt.Sprintf("attendance-cleared-%s.xlsx", sess.StartedAt.Format("20060102-150405")),
				ContentType: XLSXContentType,
				Content:     buf.Bytes(),
			})
		}
	}
	svc.notifyAdmins(
		fmt.Sprintf("Attendance reset by %s", rs.Role),
		"attendance_reset",
		struct {
			Role           string
			RecordsCleared int
			SessionID      string
			At             time.Time
		}{rs.Role, cleared, sess.ID, sess.StartedAt},
		attachments...,
	)
	return sess, cleared, nil
}

// ForceClose terminates the active session of another role. It does not open a session for fs.NewRole.
func (svc *service) ForceClose(ctx context.Context, fs ForceCloseSession) (Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var closed Session
	err := svc.repo.RunInTx(ctx, func(repo Repository) error {
		active, err := repo.GetActiveSession(ctx)
		if err != nil {
			if errors.Cause(err) == ErrNoActiveSession {
				return ErrNoActiveSession
			}
			return errors.Wrap(err, "getting active session")
		}
		if active.Role == fs.NewRole {
			return ErrOwnSession
		}
		if active, err = svc.withCount(ctx, active, repo); err != nil {
			return err
		}

		now := nowFunc()
		active.Active = false
		active.EndedAt = &now
		closed, err = repo.UpdateSession(ctx, active)
		return errors.Wrap(err, "force-closing session")
	})
	if err != nil {
		return Session{}, err
	}

	svc.publish(events.KindSessionChanged, closed)
	svc.notifyAdmins(
		fmt.Sprintf("Session of %s force-closed by %s", closed.Role, fs.NewRole),
		"attendance_force_closed",
		struct {
			Role          string
			ClosedRole    string
			SessionID     string
			AttendeeCount int
			At            time.Time
		}{fs.NewRole, closed.Role, closed.ID, closed.AttendeeCount, *closed.EndedAt},
	)
	return closed, nil
}

func (svc *service) Records(ctx context.Context, sessionID string) ([]Record, error) {
	sessionID = core.CleanString(sessionID, true /* lower */)
	if sessionID == "" {
		return nil, core.NewValidationError(nil, core.FieldError{Field: "session_id", Error: "this field is required"})
	}
	if _, err := svc.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := svc.repo.QueryRecords(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (svc *service) SignIn(ctx context.Context, nr NewRecord) (Record, error) {
	// hold the lock so a record cannot land in a session that is being closed or reset
	svc.mu.Lock()
	defer svc.mu.Unlock()

	sess, err := svc.GetSession(ctx, nr.SessionID)
	if err != nil {
		return Record{}, err
	}
	if !sess.Active {
		return Record{}, ErrSessionClosed
	}

	rec, err := svc.repo.CreateRecord(ctx, Record{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Name:      nr.Name,
		RegCode:   nr.RegCode,
		Year:      nr.Year,
		Phone:     nr.Phone,
		Ministry:  nr.Ministry,
		SignedAt:  nowFunc(),
		Signature: nr.Signature,
	})
	if err != nil {
		return Record{}, errors.Wrap(err, "creating record")
	}

	svc.publish(events.KindRecordAdded, rec)
	svc.publish(events.KindStatsChanged, Stats{SessionID: sess.ID, AttendeeCount: sess.AttendeeCount + 1})
	return rec, nil
}

// CloseStale closes the active session if it has been open for longer than maxAge.
func (svc *service) CloseStale(ctx context.Context, maxAge time.Duration) (int, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var closed *Session
	err := svc.repo.RunInTx(ctx, func(repo Repository) error {
		active, err := repo.GetActiveSession(ctx)
		if err != nil {
			if errors.Cause(err) == ErrNoActiveSession {
				return nil
			}
			return errors.Wrap(err, "getting active session")
		}
		now := nowFunc()
		if now.Sub(active.StartedAt) <= maxAge {
			return nil
		}
		if active, err = svc.withCount(ctx, active, repo); err != nil {
			return err
		}
		active.Active = false
		active.EndedAt = &now
		sess, err := repo.UpdateSession(ctx, active)
		if err != nil {
			return errors.Wrap(err, "closing stale session")
		}
		closed = &sess
		return nil
	})
	if err != nil {
		return 0, err
	}
	if closed == nil {
		return 0, nil
	}

	svc.logger.Info(fmt.Sprintf("closed stale session %s of %s", closed.ID, closed.Role))
	svc.publish(events.KindSessionChanged, *closed)
	return 1, nil
}

func (svc *service) notifyAdmins(subject, template string, data interface{}, attachments ...core.Attachment) {
	if svc.mailSvc == nil || len(svc.adminEmails) == 0 {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           svc.adminEmails,
		Subject:      subject,
		TemplateName: template,
		TemplateData: data,
		Attachments:  attachments,
	})
}
