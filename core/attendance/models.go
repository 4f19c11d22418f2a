package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kanisa/core"
)

// Session is a time-bounded window, owned by one leadership role, during which attendance records may be created.
// At most one Session is active at any moment, system-wide.
type Session struct {
	ID            string     `json:"id"`
	Role          string     `json:"role"`
	Ministry      string     `json:"ministry"`
	Active        bool       `json:"active"`
	StartedAt     time.Time  `json:"startTime"`         // UTC
	EndedAt       *time.Time `json:"endTime,omitempty"` // UTC
	AttendeeCount int        `json:"attendeeCount"`
}

// Record is one attendee signing the register. Records are immutable once created.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	RegCode   string    `json:"regCode"`
	Year      string    `json:"year"`
	Phone     string    `json:"phone"`
	Ministry  string    `json:"ministry"`
	SignedAt  time.Time `json:"signedAt"` // UTC
	Signature []byte    `json:"signature,omitempty"`
}

// Stats is the payload of events.KindStatsChanged.
type Stats struct {
	SessionID     string `json:"sessionId"`
	AttendeeCount int    `json:"attendeeCount"`
}

// ResetConfirmationPhrase is the phrase a user must type before a reset is sent.
// Reset deletes every record system-wide, so a single click is not enough.
func ResetConfirmationPhrase(role string) string {
	return "RESET " + strings.ToUpper(core.CleanString(role))
}

// OpenSession contains the information needed to open a session.
type OpenSession struct {
	Role     string `json:"role" validate:"required,leaderrole"`
	Ministry string `json:"ministry" validate:"omitempty,max=80"`
}

func (os *OpenSession) Validate(validate *validator.Validate) error {
	os.Role = core.CleanString(os.Role)
	os.Ministry = core.CleanString(os.Ministry)
	return validate.Struct(os)
}

type CloseSession struct {
	Role       string `json:"role" validate:"required,leaderrole"`
	FinalCount int    `json:"finalCount" validate:"min=0"`
}

func (cs *CloseSession) Validate(validate *validator.Validate) error {
	cs.Role = core.CleanString(cs.Role)
	return validate.Struct(cs)
}

type ResetSession struct {
	Role string `json:"role" validate:"required,leaderrole"`
}

func (rs *ResetSession) Validate(validate *validator.Validate) error {
	rs.Role = core.CleanString(rs.Role)
	return validate.Struct(rs)
}

type ForceCloseSession struct {
	NewRole string `json:"newRole" validate:"required,leaderrole"`
}

func (fs *ForceCloseSession) Validate(validate *validator.Validate) error {
	fs.NewRole = core.CleanString(fs.NewRole)
	return validate.Struct(fs)
}

// NewRecord contains the information an attendee submits when signing in.
type NewRecord struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	Name      string `json:"name" validate:"required,max=120"`
	RegCode   string `json:"regCode" validate:"required,max=40"`
	Year      string `json:"year" validate:"omitempty,max=20"`
	Phone     string `json:"phone" validate:"omitempty,max=20"`
	Ministry  string `json:"ministry" validate:"omitempty,max=80"`
	Signature []byte `json:"signature" validate:"omitempty,max=262144"`
}

func (nr *NewRecord) Validate(validate *validator.Validate) error {
	nr.SessionID = core.CleanString(nr.SessionID, true /* lower */)
	nr.Name = core.CleanString(nr.Name)
	nr.RegCode = strings.ToUpper(core.CleanString(nr.RegCode))
	nr.Year = core.CleanString(nr.Year)
	nr.Phone = core.CleanString(nr.Phone)
	nr.Ministry = core.CleanString(nr.Ministry)
	return validate.Struct(nr)
}

// ConflictError is returned when another role already owns the active session.
type ConflictError struct {
	ActiveRole string
	SessionID  string
}

func (err *ConflictError) Error() string {
	return fmt.Sprintf("an attendance session is already active for %s", err.ActiveRole)
}
