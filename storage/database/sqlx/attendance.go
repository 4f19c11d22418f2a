package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/storage/database"
)

const (
	sessionColumns = "id, role, ministry, active, started_at, ended_at, attendee_count"
	recordColumns  = "id, session_id, name, reg_code, year, phone, ministry, signed_at, signature"

	errMultipleActive = "integrity error: more than one active attendance session"
)

type (
	sessionRow struct {
		ID            string    `db:"id"`
		Role          string    `db:"role"`
		Ministry      string    `db:"ministry"`
		Active        bool      `db:"active"`
		StartedAt     null.Time `db:"started_at"`
		EndedAt       null.Time `db:"ended_at"`
		AttendeeCount int       `db:"attendee_count"`
	}

	recordRow struct {
		ID        string     `db:"id"`
		SessionID string     `db:"session_id"`
		Name      string     `db:"name"`
		RegCode   string     `db:"reg_code"`
		Year      string     `db:"year"`
		Phone     string     `db:"phone"`
		Ministry  string     `db:"ministry"`
		SignedAt  null.Time  `db:"signed_at"`
		Signature null.Bytes `db:"signature"`
	}
)

func toSessionRow(sess attendance.Session) sessionRow {
	return sessionRow{
		ID:            sess.ID,
		Role:          sess.Role,
		Ministry:      sess.Ministry,
		Active:        sess.Active,
		StartedAt:     null.NewTime(sess.StartedAt.UTC(), !sess.StartedAt.IsZero()),
		EndedAt:       null.TimeFromPtr(sess.EndedAt),
		AttendeeCount: sess.AttendeeCount,
	}
}

func (r sessionRow) session() attendance.Session {
	sess := attendance.Session{
		ID:            r.ID,
		Role:          r.Role,
		Ministry:      r.Ministry,
		Active:        r.Active,
		StartedAt:     r.StartedAt.Time.UTC(),
		AttendeeCount: r.AttendeeCount,
	}
	if r.EndedAt.Valid {
		ended := r.EndedAt.Time.UTC()
		sess.EndedAt = &ended
	}
	return sess
}

func (r recordRow) record() attendance.Record {
	rec := attendance.Record{
		ID:        r.ID,
		SessionID: r.SessionID,
		Name:      r.Name,
		RegCode:   r.RegCode,
		Year:      r.Year,
		Phone:     r.Phone,
		Ministry:  r.Ministry,
		SignedAt:  r.SignedAt.Time.UTC(),
	}
	if r.Signature.Valid {
		rec.Signature = r.Signature.Bytes
	}
	return rec
}

type attendanceRepository struct {
	exec core.DBExecutor
	db   core.DB // nil when bound to a transaction
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db core.DB) attendance.Repository {
	return &attendanceRepository{exec: db, db: db}
}

// trapNoRowsErr maps psql "no rows" err to notFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func (repo *attendanceRepository) RunInTx(ctx context.Context, fn func(repo attendance.Repository) error) error {
	if repo.db == nil { // already in a transaction
		return fn(repo)
	}
	return database.RunInTx(ctx, repo.db, func(tx core.DBExecutor) error {
		return fn(&attendanceRepository{exec: tx})
	})
}

// activeSessionQuery locks the active row only inside a transaction, so status polls never wait on open/close.
func (repo *attendanceRepository) activeSessionQuery() string {
	q := "SELECT " + sessionColumns + " FROM attendance_session WHERE active LIMIT 2"
	if repo.db == nil {
		q += " FOR UPDATE"
	}
	return q
}

func (repo *attendanceRepository) GetActiveSession(ctx context.Context) (attendance.Session, error) {
	var rows []sessionRow
	if err := sqlx.SelectContext(ctx, repo.exec, &rows, repo.activeSessionQuery()); err != nil {
		return attendance.Session{}, errors.Wrap(err, "getting active session")
	}
	switch len(rows) {
	case 0:
		return attendance.Session{}, attendance.ErrNoActiveSession
	case 1:
		return rows[0].session(), nil
	default:
		return attendance.Session{}, core.NewShutdownError(errMultipleActive)
	}
}

func (repo *attendanceRepository) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	var row sessionRow
	q := "SELECT " + sessionColumns + " FROM attendance_session WHERE id = $1"
	if err := sqlx.GetContext(ctx, repo.exec, &row, q, id); err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrNotFound, "getting session")
	}
	return row.session(), nil
}

func (repo *attendanceRepository) CreateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	// ON CONFLICT keeps the transaction usable when another session is active
	q := `INSERT INTO attendance_session (` + sessionColumns + `)
		VALUES (:id, :role, :ministry, :active, :started_at, :ended_at, :attendee_count)
		ON CONFLICT (active) WHERE active DO NOTHING
		RETURNING ` + sessionColumns
	q, args, err := sqlx.Named(q, toSessionRow(sess))
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "binding session")
	}

	var row sessionRow
	if err = sqlx.GetContext(ctx, repo.exec, &row, repo.exec.Rebind(q), args...); err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrActiveSessionExists, "inserting session")
	}
	return row.session(), nil
}

func (repo *attendanceRepository) UpdateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	q := `UPDATE attendance_session
		SET role = :role, ministry = :ministry, active = :active, ended_at = :ended_at, attendee_count = :attendee_count
		WHERE id = :id
		RETURNING ` + sessionColumns
	q, args, err := sqlx.Named(q, toSessionRow(sess))
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "binding session")
	}

	var row sessionRow
	if err = sqlx.GetContext(ctx, repo.exec, &row, repo.exec.Rebind(q), args...); err != nil {
		if database.IsUniqueViolation(err, "attendance_session_single_active") {
			return attendance.Session{}, attendance.ErrActiveSessionExists
		}
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrNotFound, "updating session")
	}
	return row.session(), nil
}

func (repo *attendanceRepository) CreateRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	row := recordRow{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Name:      rec.Name,
		RegCode:   rec.RegCode,
		Year:      rec.Year,
		Phone:     rec.Phone,
		Ministry:  rec.Ministry,
		SignedAt:  null.TimeFrom(rec.SignedAt.UTC()),
		Signature: null.NewBytes(rec.Signature, len(rec.Signature) > 0),
	}
	q := `INSERT INTO attendance_record (` + recordColumns + `)
		VALUES (:id, :session_id, :name, :reg_code, :year, :phone, :ministry, :signed_at, :signature)`
	if _, err := sqlx.NamedExecContext(ctx, repo.exec, q, row); err != nil {
		return attendance.Record{}, errors.Wrap(err, "inserting record")
	}
	return row.record(), nil
}

func (repo *attendanceRepository) QueryRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	var rows []recordRow
	var err error
	if sessionID == "" {
		q := "SELECT " + recordColumns + " FROM attendance_record ORDER BY seq"
		err = sqlx.SelectContext(ctx, repo.exec, &rows, q)
	} else {
		q := "SELECT " + recordColumns + " FROM attendance_record WHERE session_id = $1 ORDER BY seq"
		err = sqlx.SelectContext(ctx, repo.exec, &rows, q, sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}

	records := make([]attendance.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.record())
	}
	return records, nil
}

func (repo *attendanceRepository) CountRecords(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, repo.exec, &n, "SELECT count(*) FROM attendance_record WHERE session_id = $1", sessionID)
	return n, errors.Wrap(err, "counting records")
}

func (repo *attendanceRepository) DeleteAllRecords(ctx context.Context) (int, error) {
	res, err := repo.exec.ExecContext(ctx, "DELETE FROM attendance_record")
	if err != nil {
		return 0, errors.Wrap(err, "deleting records")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "counting deleted records")
}
