package sqlxrepos

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
	"github.com/trezcool/kanisa/storage/database"
)

const officerColumns = "id, name, username, email, role, ministry, is_admin, is_active, password_hash, created_at, updated_at, last_login"

// orderable officer columns, keyed by json field name
var officerOrderFields = map[string]string{
	"name":      "name",
	"username":  "username",
	"email":     "email",
	"role":      "role",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"lastLogin": "last_login",
}

type officerRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	Username     null.String `db:"username"`
	Email        null.String `db:"email"`
	Role         string      `db:"role"`
	Ministry     string      `db:"ministry"`
	IsAdmin      bool        `db:"is_admin"`
	IsActive     null.Bool   `db:"is_active"`
	PasswordHash null.Bytes  `db:"password_hash"`
	CreatedAt    null.Time   `db:"created_at"`
	UpdatedAt    null.Time   `db:"updated_at"`
	LastLogin    null.Time   `db:"last_login"`
}

func toOfficerRow(o officer.Officer) officerRow {
	isActive := null.BoolFromPtr(o.IsActive)
	if !isActive.Valid {
		isActive = null.BoolFrom(true)
	}
	return officerRow{
		ID:           o.ID,
		Name:         o.Name,
		Username:     null.NewString(o.Username, o.Username != ""),
		Email:        null.NewString(o.Email, o.Email != ""),
		Role:         o.Role,
		Ministry:     o.Ministry,
		IsAdmin:      o.IsAdmin,
		IsActive:     isActive,
		PasswordHash: null.BytesFrom(o.PasswordHash),
		CreatedAt:    null.NewTime(o.CreatedAt.UTC(), !o.CreatedAt.IsZero()),
		UpdatedAt:    null.NewTime(o.UpdatedAt.UTC(), !o.UpdatedAt.IsZero()),
		LastLogin:    null.NewTime(o.LastLogin.UTC(), !o.LastLogin.IsZero()),
	}
}

func (r officerRow) officer() officer.Officer {
	return officer.Officer{
		ID:           r.ID,
		Name:         r.Name,
		Username:     r.Username.String,
		Email:        r.Email.String,
		Role:         r.Role,
		Ministry:     r.Ministry,
		IsAdmin:      r.IsAdmin,
		IsActive:     r.IsActive.Ptr(),
		PasswordHash: r.PasswordHash.Bytes,
		CreatedAt:    r.CreatedAt.Time.UTC(),
		UpdatedAt:    r.UpdatedAt.Time.UTC(),
		LastLogin:    r.LastLogin.Time.UTC(),
	}
}

type officerRepository struct {
	exec core.DBExecutor
}

var _ officer.Repository = (*officerRepository)(nil) // interface compliance check

func NewOfficerRepository(exec core.DBExecutor) officer.Repository {
	return &officerRepository{exec: exec}
}

func (repo *officerRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excluded ...officer.Officer) error {
	conds := []string{"(username = ? OR email = ?)"}
	args := []interface{}{null.NewString(username, username != ""), null.NewString(email, email != "")}
	if len(excluded) > 0 {
		ids := make([]string, 0, len(excluded))
		for _, o := range excluded {
			ids = append(ids, o.ID)
		}
		conds = append(conds, "id NOT IN (?)")
		args = append(args, ids)
	}

	q, args, err := sqlx.In("SELECT username, email FROM officer WHERE "+strings.Join(conds, " AND ")+" LIMIT 1", args...)
	if err != nil {
		return errors.Wrap(err, "binding uniqueness query")
	}

	var found officerRow
	if err = sqlx.GetContext(ctx, repo.exec, &found, repo.exec.Rebind(q), args...); err != nil {
		return trapNoRowsErr(err, nil, "checking officer uniqueness")
	}
	if username != "" && found.Username.String == username {
		return officer.ErrUsernameExists
	}
	return officer.ErrEmailExists
}

func (repo *officerRepository) CreateOfficer(ctx context.Context, o officer.Officer) (officer.Officer, error) {
	o.ID = uuid.New().String()
	q := `INSERT INTO officer (` + officerColumns + `)
		VALUES (:id, :name, :username, :email, :role, :ministry, :is_admin, :is_active, :password_hash, :created_at, :updated_at, :last_login)`
	if _, err := sqlx.NamedExecContext(ctx, repo.exec, q, toOfficerRow(o)); err != nil {
		return officer.Officer{}, repo.trapUniqueErr(err, "inserting officer")
	}
	return repo.GetOfficer(ctx, officer.GetFilter{ID: o.ID})
}

func (repo *officerRepository) QueryOfficers(ctx context.Context, filter *officer.QueryFilter, ordering []core.DBOrdering) ([]officer.Officer, error) {
	var conds []string
	var args []interface{}
	if filter != nil {
		if filter.Search != "" {
			conds = append(conds, "(name ILIKE ? OR username ILIKE ? OR email ILIKE ?)")
			pattern := "%" + filter.Search + "%"
			args = append(args, pattern, pattern, pattern)
		}
		if filter.Role != "" {
			conds = append(conds, "lower(role) = lower(?)")
			args = append(args, filter.Role)
		}
		if filter.IsActive != nil {
			conds = append(conds, "is_active = ?")
			args = append(args, *filter.IsActive)
		}
		if filter.IsAdmin != nil {
			conds = append(conds, "is_admin = ?")
			args = append(args, *filter.IsAdmin)
		}
	}

	q := "SELECT " + officerColumns + " FROM officer"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	orderBy := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		col, ok := officerOrderFields[ord.Field]
		if !ok {
			return nil, errors.Errorf("invalid ordering field: %q", ord.Field)
		}
		orderBy = append(orderBy, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	orderBy = append(orderBy, "created_at ASC")
	q += " ORDER BY " + strings.Join(orderBy, ", ")

	var rows []officerRow
	if err := sqlx.SelectContext(ctx, repo.exec, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying officers")
	}

	officers := make([]officer.Officer, 0, len(rows))
	for _, r := range rows {
		officers = append(officers, r.officer())
	}
	return officers, nil
}

func (repo *officerRepository) GetOfficer(ctx context.Context, filter officer.GetFilter) (officer.Officer, error) {
	var cond string
	var arg interface{}
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return officer.Officer{}, officer.ErrNotFound
		}
		cond, arg = "id = $1", filter.ID
	case filter.Username != "":
		cond, arg = "username = $1", filter.Username
	case filter.Email != "":
		cond, arg = "email = $1", filter.Email
	case filter.UsernameOrEmail != "":
		cond, arg = "(username = $1 OR email = $1)", filter.UsernameOrEmail
	default:
		return officer.Officer{}, officer.ErrNotFound
	}

	var row officerRow
	q := fmt.Sprintf("SELECT %s FROM officer WHERE %s LIMIT 1", officerColumns, cond)
	if err := sqlx.GetContext(ctx, repo.exec, &row, q, arg); err != nil {
		return officer.Officer{}, trapNoRowsErr(err, officer.ErrNotFound, "getting officer")
	}
	return row.officer(), nil
}

func (repo *officerRepository) UpdateOfficer(ctx context.Context, o officer.Officer) (officer.Officer, error) {
	q := `UPDATE officer SET
			name = :name, username = :username, email = :email, role = :role, ministry = :ministry,
			is_admin = :is_admin, is_active = :is_active, password_hash = :password_hash,
			updated_at = :updated_at, last_login = :last_login
		WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, repo.exec, q, toOfficerRow(o))
	if err != nil {
		return officer.Officer{}, repo.trapUniqueErr(err, "updating officer")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return officer.Officer{}, officer.ErrNotFound
	}
	return repo.GetOfficer(ctx, officer.GetFilter{ID: o.ID})
}

func (repo *officerRepository) DeleteOfficersByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In("DELETE FROM officer WHERE id IN (?)", ids)
	if err != nil {
		return errors.Wrap(err, "binding delete query")
	}
	_, err = repo.exec.ExecContext(ctx, repo.exec.Rebind(q), args...)
	return errors.Wrap(err, "deleting officers")
}

// trapUniqueErr maps unique violations that slipped past CheckUsernameUniqueness (concurrent writes).
func (repo *officerRepository) trapUniqueErr(err error, msg string) error {
	switch {
	case database.IsUniqueViolation(err, "officer_username_key"):
		return officer.ErrUsernameExists
	case database.IsUniqueViolation(err, "officer_email_key"):
		return officer.ErrEmailExists
	}
	return errors.Wrap(err, msg)
}
