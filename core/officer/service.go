package officer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
)

var (
	// errors
	ErrNotFound       = errors.New("officer not found")
	ErrEmailExists    = errors.New("an officer with this email already exists")
	ErrUsernameExists = errors.New("an officer with this username already exists")

	nowFunc = func() time.Time { return time.Now().UTC() } // mockable
)

type (
	Repository interface {
		// CheckUsernameUniqueness returns ErrUsernameExists or ErrEmailExists, ignoring excluded officers.
		CheckUsernameUniqueness(ctx context.Context, username, email string, excluded ...Officer) error
		CreateOfficer(ctx context.Context, o Officer) (Officer, error)
		// QueryOfficers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of Name, Username or Email.
		QueryOfficers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Officer, error)
		GetOfficer(ctx context.Context, filter GetFilter) (Officer, error)
		UpdateOfficer(ctx context.Context, o Officer) (Officer, error)
		DeleteOfficersByID(ctx context.Context, ids ...string) error
	}

	Service interface {
		CheckUniqueness(uname, email string, excluded ...Officer) error
		Create(ctx context.Context, no NewOfficer) (Officer, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Officer, error)
		GetByID(ctx context.Context, id string) (Officer, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (Officer, error)
		Update(ctx context.Context, orig Officer, uo UpdateOfficer) (Officer, error)
		SetLastLogin(ctx context.Context, o Officer) (Officer, error)
		Delete(ctx context.Context, ids ...string) error
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (svc *service) CheckUniqueness(uname, email string, excluded ...Officer) error {
	err := svc.repo.CheckUsernameUniqueness(context.Background(), uname, email, excluded...)
	if err == nil {
		return nil
	}
	var field string
	switch errors.Cause(err) {
	case ErrUsernameExists:
		field = "username"
	case ErrEmailExists:
		field = "email"
	default:
		return err
	}
	return core.NewValidationError(err, core.FieldError{Field: field, Error: errors.Cause(err).Error()})
}

func (svc *service) Create(ctx context.Context, no NewOfficer) (Officer, error) {
	now := nowFunc()
	isActive := true
	o := Officer{
		Name:      no.Name,
		Username:  no.Username,
		Email:     no.Email,
		Role:      no.Role,
		Ministry:  no.Ministry,
		IsAdmin:   no.IsAdmin,
		IsActive:  &isActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.SetPassword(no.Password); err != nil {
		return Officer{}, errors.Wrap(err, "setting password")
	}
	return svc.repo.CreateOfficer(ctx, o)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Officer, error) {
	if filter != nil && filter.IsEmpty() {
		filter = nil
	}
	return svc.repo.QueryOfficers(ctx, filter, ordering)
}

func (svc *service) GetByID(ctx context.Context, id string) (Officer, error) {
	return svc.repo.GetOfficer(ctx, GetFilter{ID: id})
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (Officer, error) {
	uname = core.CleanString(uname, true /* lower */)
	if uname == "" {
		return Officer{}, ErrNotFound
	}
	return svc.repo.GetOfficer(ctx, GetFilter{UsernameOrEmail: uname})
}

func (svc *service) Update(ctx context.Context, orig Officer, uo UpdateOfficer) (Officer, error) {
	o := orig
	o.Name = uo.Name
	o.Username = uo.Username
	o.Email = uo.Email
	o.Role = uo.Role
	o.UpdatedAt = nowFunc()
	if uo.Ministry != nil {
		o.Ministry = *uo.Ministry
	}
	if uo.IsAdmin != nil {
		o.IsAdmin = *uo.IsAdmin
	}
	if uo.IsActive != nil {
		o.IsActive = uo.IsActive
	}
	if uo.Password != "" {
		if err := o.SetPassword(uo.Password); err != nil {
			return Officer{}, errors.Wrap(err, "setting password")
		}
	}
	return svc.repo.UpdateOfficer(ctx, o)
}

func (svc *service) SetLastLogin(ctx context.Context, o Officer) (Officer, error) {
	o.LastLogin = nowFunc()
	return svc.repo.UpdateOfficer(ctx, o)
}

func (svc *service) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return svc.repo.DeleteOfficersByID(ctx, ids...)
}
