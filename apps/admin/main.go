package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
	logsvc "github.com/trezcool/kanisa/services/logger"
	"github.com/trezcool/kanisa/storage/database"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	sqlxrepos "github.com/trezcool/kanisa/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	officer.InitValidators(validate, translator)

	cli := commandLine{validate: validate}

	// set up DB
	if conf.Database.Engine == "inmem" {
		logger.Warn("using the in-memory database: changes are lost on exit")
		cli.officerSvc = officer.NewService(inmemdb.NewOfficerRepository(inmemdb.NewDB()))
	} else {
		if err := database.CreateIfNotExist(conf); err != nil {
			logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
		}
		db, err := database.Open(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
		}
		defer func() { _ = db.Close() }()

		cli.db = db.DB
		cli.officerSvc = officer.NewService(sqlxrepos.NewOfficerRepository(db))
	}

	// start CLI
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("error: %v", err), err)
		}
		exit(cli.db, 1)
	}
}

// exit closes db before exiting since deferred calls do not run on os.Exit.
func exit(db *sql.DB, code int) {
	if db != nil {
		_ = db.Close()
	}
	os.Exit(code)
}
