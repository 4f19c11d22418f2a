package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"syscall"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/kanisa/core/officer"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp             = errors.New("help provided")
	errNoDB             = errors.New("migrate requires the postgres engine")
	errPasswordMismatch = errors.New("passwords do not match")
)

type commandLine struct {
	db         *sql.DB // nil for the in-memory engine
	officerSvc officer.Service
	validate   *validator.Validate
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS...] - run a goose command (up, down, status, version, up-to VERSION...)")
	fmt.Println("  addofficer -name NAME -username USERNAME [-email EMAIL] -role ROLE [-ministry MINISTRY] [-admin] - create an officer")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset an officer's password")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addOfficerCmd := flag.NewFlagSet("addofficer", flag.ContinueOnError)
	addOfficerName := addOfficerCmd.String("name", "", "The officer's full name.")
	addOfficerUname := addOfficerCmd.String("username", "", "The officer's username.")
	addOfficerEmail := addOfficerCmd.String("email", "", "The officer's email.")
	addOfficerRole := addOfficerCmd.String("role", "", "The leadership role the officer acts for (e.g. Worship).")
	addOfficerMinistry := addOfficerCmd.String("ministry", "", "The officer's ministry.")
	addOfficerAdmin := addOfficerCmd.Bool("admin", false, "Whether the officer may act for every role.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The officer's username or email. The password will be prompted next.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "addofficer":
		if err := addOfficerCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *addOfficerName == "" || *addOfficerRole == "" || (*addOfficerUname == "" && *addOfficerEmail == "") {
			addOfficerCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addOfficerCmd.Usage()
			return errHelp
		}
		return cli.addOfficer(officer.NewOfficer{
			Name:            *addOfficerName,
			Username:        *addOfficerUname,
			Email:           *addOfficerEmail,
			Role:            *addOfficerRole,
			Ministry:        *addOfficerMinistry,
			IsAdmin:         *addOfficerAdmin,
			Password:        pwd,
			PasswordConfirm: pwd,
		})

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordUname, pwd)

	default:
		cli.printUsage()
		return errHelp
	}
}

// promptPassword reads the password twice from the terminal, without echo.
func promptPassword() (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Println()
	if err != nil || len(pwd) == 0 {
		return "", err
	}

	fmt.Print("Confirm password:")
	confirm, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(confirm) != string(pwd) {
		return "", errPasswordMismatch
	}
	return string(pwd), nil
}
