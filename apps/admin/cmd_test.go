package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core/officer"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	testutil "github.com/trezcool/kanisa/tests"
)

var officerRepo officer.Repository

func setup(t *testing.T) *commandLine {
	t.Helper()

	officerRepo = inmemdb.NewOfficerRepository(inmemdb.NewDB())
	validate, _ := testutil.NewValidator()

	// start CLI
	return &commandLine{
		db:         &sql.DB{}, // never used: goose is mocked
		officerSvc: officer.NewService(officerRepo),
		validate:   validate,
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func mockPasswords(pwds ...string) {
	i := 0
	readPasswordFunc = func(int) ([]byte, error) {
		if i >= len(pwds) {
			return nil, nil
		}
		pwd := pwds[i]
		i++
		return []byte(pwd), nil
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	gooseRunFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
	}
	for _, tt := range tests {
		tt := tt
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantErrStr, err.Error())
			default:
				assert.NoError(t, err)
			}
		})
	}

	t.Run("in-memory engine", func(t *testing.T) {
		cli.db = nil
		assert.Equal(t, errNoDB, cli.run([]string{"admin", "migrate", "up"}))
	})
}

func Test_commandLine_addOfficer(t *testing.T) {
	cli := setup(t)
	testutil.CreateOfficer(t, officerRepo, "Choir Lead", "choir", "choir@test.cd", "", "Choir", false, true)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"addofficer"}, wantErr: errHelp},
		{name: "unknown flag", args: []string{"addofficer", "-lol"}, wantErr: errHelp},
		{name: "no role", args: []string{"addofficer", "-name", "Jane", "-username", "jane"}, extra: []string{"J4ne&Worship"}, wantErr: errHelp},
		{name: "no password", args: []string{"addofficer", "-name", "Jane", "-username", "jane", "-role", "Worship"}, wantErr: errHelp},
		{
			name: "password mismatch", args: []string{"addofficer", "-name", "Jane", "-username", "jane", "-role", "Worship"},
			extra: []string{"J4ne&Worship", "J4ne&Choir"}, wantErr: errPasswordMismatch,
		},
		{
			name: "weak password", args: []string{"addofficer", "-name", "Jane", "-username", "jane", "-role", "Worship"},
			extra: []string{"password", "password"}, wantErrStr: "'pwdcplx' tag",
		},
		{
			name: "username taken", args: []string{"addofficer", "-name", "Jane", "-username", "Choir", "-role", "Worship"},
			extra: []string{"J4ne&Worship", "J4ne&Worship"}, wantErrStr: "an officer with this username already exists",
		},
		{
			name: "ok", args: []string{"addofficer", "-name", " Jane Doe ", "-username", "Jane", "-role", "Worship", "-ministry", "Music", "-admin"},
			extra: []string{"J4ne&Worship", "J4ne&Worship"},
		},
	}
	for _, tt := range tests {
		tt := tt
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			pwds, _ := tt.extra.([]string)
			mockPasswords(pwds...)

			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrStr)
			default:
				assert.NoError(t, err)
			}
		})
	}

	o, err := officerRepo.GetOfficer(context.Background(), officer.GetFilter{Username: "jane"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", o.Name)
	assert.Equal(t, "Worship", o.Role)
	assert.Equal(t, "Music", o.Ministry)
	assert.True(t, o.IsAdmin)
	assert.True(t, o.Active())
	assert.NoError(t, o.CheckPassword("J4ne&Worship"))
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)

	o := testutil.CreateOfficer(t, officerRepo, "Youth Lead", "youth", "youth@test.cd", "Old&Passw0rd", "Youth", false, false)

	tests := []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol"}, wantErr: errHelp},
		{name: "officer not found", args: []string{"resetpassword", "-username", "lol"}, extra: []string{"N3w&Secret", "N3w&Secret"}, wantErr: officer.ErrNotFound},
		{name: "weak password", args: []string{"resetpassword", "-username", "youth"}, extra: []string{"12345678", "12345678"}, wantErrStr: "'pwdnotallnum' tag"},
		{name: "reset with username", args: []string{"resetpassword", "-username", "youth"}, extra: []string{"N3w&Secret", "N3w&Secret"}},
		{name: "reset with email", args: []string{"resetpassword", "-username", "YOUTH@test.cd"}, extra: []string{"An0ther&Secret", "An0ther&Secret"}},
	}
	for _, tt := range tests {
		tt := tt
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			pwds, _ := tt.extra.([]string)
			mockPasswords(pwds...)

			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrStr)
			default:
				require.NoError(t, err)
				refreshed, err := officerRepo.GetOfficer(context.Background(), officer.GetFilter{ID: o.ID})
				require.NoError(t, err)
				assert.False(t, bytes.Equal(refreshed.PasswordHash, o.PasswordHash), "failed to update password")
				assert.NoError(t, refreshed.CheckPassword(pwds[0]))
				assert.True(t, refreshed.Active())
			}
		})
	}
}
