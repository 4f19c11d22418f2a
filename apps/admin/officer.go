package main

import (
	"context"
	"fmt"

	"github.com/trezcool/kanisa/core/officer"
)

func (cli *commandLine) addOfficer(no officer.NewOfficer) error {
	if err := no.Validate(cli.validate, cli.officerSvc); err != nil {
		return err
	}
	o, err := cli.officerSvc.Create(context.Background(), no)
	if err != nil {
		return err
	}
	fmt.Printf("created officer %s (%s) for %s\n", o.Username, o.ID, o.Role)
	return nil
}

// resetPassword sets a new password, enforcing the password policy. The officer is reactivated.
func (cli *commandLine) resetPassword(uname, pwd string) error {
	ctx := context.Background()
	o, err := cli.officerSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}

	isActive := true
	data := officer.UpdateOfficer{IsActive: &isActive, Password: pwd, PasswordConfirm: pwd}
	if err = data.Validate(o, cli.validate, cli.officerSvc); err != nil {
		return err
	}
	_, err = cli.officerSvc.Update(ctx, o, data)
	return err
}
