package officer

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/kanisa/core"
)

// Officer is a person acting for one leadership role ("Worship", "Choir"...).
// Admins may act for any role.
type Officer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	Ministry     string    `json:"ministry"`
	IsAdmin      bool      `json:"isAdmin"`
	IsActive     *bool     `json:"isActive"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"` // UTC
	UpdatedAt    time.Time `json:"updatedAt"` // UTC
	LastLogin    time.Time `json:"lastLogin"` // UTC
}

func (o *Officer) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	o.PasswordHash = hash
	return nil
}

func (o *Officer) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(o.PasswordHash, []byte(pwd))
}

func (o *Officer) Active() bool {
	return o.IsActive == nil || *o.IsActive
}

// CanActFor reports whether the officer may drive sessions owned by role.
func (o *Officer) CanActFor(role string) bool {
	return o.IsAdmin || o.Role == core.CleanString(role)
}

// NewOfficer contains information needed to create a new Officer.
type NewOfficer struct {
	Name            string `json:"name" validate:"required"`
	Username        string `json:"username" validate:"omitempty,min=4,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	Role            string `json:"role" validate:"required,leaderrole"`
	Ministry        string `json:"ministry" validate:"omitempty,max=80"`
	IsAdmin         bool   `json:"isAdmin"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required,eqfield=Password"`
}

func (no *NewOfficer) Validate(validate *validator.Validate, svc Service) error {
	no.Name = core.CleanString(no.Name)
	no.Username = core.CleanString(no.Username, true /* lower */)
	no.Email = core.CleanString(no.Email, true /* lower */)
	no.Role = core.CleanString(no.Role)
	no.Ministry = core.CleanString(no.Ministry)

	if err := validate.Struct(no); err != nil {
		return err
	}
	return svc.CheckUniqueness(no.Username, no.Email)
}

// UpdateOfficer defines what information may be provided to modify an existing Officer.
type UpdateOfficer struct {
	Name            string  `json:"name"`
	Username        string  `json:"username" validate:"omitempty,min=4,alphanum_"`
	Email           string  `json:"email" validate:"omitempty,email"`
	Role            string  `json:"role" validate:"omitempty,leaderrole"`
	Ministry        *string `json:"ministry" validate:"omitempty,max=80"`
	IsAdmin         *bool   `json:"isAdmin"`
	IsActive        *bool   `json:"isActive"`
	Password        string  `json:"password" validate:"omitempty"`
	PasswordConfirm string  `json:"passwordConfirm" validate:"required_with=Password,eqfield=Password"`
}

func (uo *UpdateOfficer) Validate(orig Officer, validate *validator.Validate, svc Service) error {
	if name := core.CleanString(uo.Name); name != "" {
		uo.Name = name
	} else {
		uo.Name = orig.Name
	}

	if uname := core.CleanString(uo.Username, true /* lower */); uname != "" {
		uo.Username = uname
	} else {
		uo.Username = orig.Username
	}

	if email := core.CleanString(uo.Email, true /* lower */); email != "" {
		uo.Email = email
	} else {
		uo.Email = orig.Email
	}

	if role := core.CleanString(uo.Role); role != "" {
		uo.Role = role
	} else {
		uo.Role = orig.Role
	}

	if uo.Ministry != nil {
		ministry := core.CleanString(*uo.Ministry)
		uo.Ministry = &ministry
	}

	if err := validate.Struct(uo); err != nil {
		return err
	}
	return svc.CheckUniqueness(uo.Username, uo.Email, orig)
}

type QueryFilter struct {
	Search   string `query:"search"`
	Role     string `query:"role"`
	IsActive *bool  `query:"isActive"`
	IsAdmin  *bool  `query:"isAdmin"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Role == "" && qf.IsActive == nil && qf.IsAdmin == nil
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Role = core.CleanString(qf.Role)
}

// GetFilter selects a single Officer. Fields are tried in order: ID, Username, Email, UsernameOrEmail.
type GetFilter struct {
	ID              string
	Username        string
	Email           string
	UsernameOrEmail string
}
