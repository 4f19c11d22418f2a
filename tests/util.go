// Package testutil holds helpers shared by the tests of several packages.
package testutil

import (
	"context"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
)

// NewValidator returns a validator with every custom validation of the app registered, and its translator.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	officer.InitValidators(validate, translator)
	return validate, translator
}

func CreateOfficer(
	t *testing.T,
	repo officer.Repository,
	name, uname, email, pwd, role string,
	isAdmin, isActive bool,
	createdAt ...time.Time,
) officer.Officer {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	o := officer.Officer{
		Name:      name,
		Username:  uname,
		Email:     email,
		Role:      role,
		IsAdmin:   isAdmin,
		IsActive:  &isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := o.SetPassword(pwd); err != nil {
			t.Fatalf("CreateOfficer(): %v", err)
		}
	}
	o, err := repo.CreateOfficer(context.Background(), o)
	if err != nil {
		t.Fatalf("CreateOfficer(): %v", err)
	}
	return o
}

// NopLogger discards everything.
type NopLogger struct{}

var _ core.Logger = NopLogger{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}
