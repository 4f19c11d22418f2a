package dig_container

import (
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/kanisa/apps/api/echo"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/events"
	"github.com/trezcool/kanisa/core/officer"
	emailsvc "github.com/trezcool/kanisa/services/email"
	logsvc "github.com/trezcool/kanisa/services/logger"
	"github.com/trezcool/kanisa/services/scheduler"
	"github.com/trezcool/kanisa/storage/database"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	sqlxrepos "github.com/trezcool/kanisa/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// Storage holds the repositories of the configured database engine.
// DB is nil for the in-memory engine.
type Storage struct {
	dig.Out
	DB             *sqlx.DB
	OfficerRepo    officer.Repository
	AttendanceRepo attendance.Repository
}

type ServerParams struct {
	dig.In
	Conf          *core.Config
	Logger        core.Logger
	OfficerSvc    officer.Service
	AttendanceSvc attendance.Service
	Events        events.Source
	Validate      *validator.Validate
	Translator    ut.Translator
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newStorage(conf *core.Config, loggerParam DBLoggerParam) Storage {
	if conf.Database.Engine == "inmem" {
		loggerParam.Logger.Warn("using the in-memory database: data is lost on restart")
		db := inmemdb.NewDB()
		return Storage{
			OfficerRepo:    inmemdb.NewOfficerRepository(db),
			AttendanceRepo: inmemdb.NewAttendanceRepository(db),
		}
	}

	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return Storage{
		DB:             db,
		OfficerRepo:    sqlxrepos.NewOfficerRepository(db),
		AttendanceRepo: sqlxrepos.NewAttendanceRepository(db),
	}
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug || conf.SendgridApiKey == "" {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newJanitor(svc attendance.Service, logger core.Logger, conf *core.Config) (*scheduler.Janitor, error) {
	return scheduler.NewJanitor(svc, logger, conf)
}

func newServer(params ServerParams) *echoapi.Server {
	return echoapi.NewServer(
		params.Conf.Server.Address,
		nil, /* shutdown */
		&echoapi.Deps{
			Conf:          params.Conf,
			Logger:        params.Logger,
			OfficerSvc:    params.OfficerSvc,
			AttendanceSvc: params.AttendanceSvc,
			Events:        params.Events,
			Validate:      params.Validate,
			Translator:    params.Translator,
		},
	)
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newStorage))
	must(c.Provide(newEmailService))
	must(c.Provide(events.NewBroker, dig.As(new(events.Publisher), new(events.Source))))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(officer.NewService))
	must(c.Provide(attendance.NewService))
	must(c.Provide(newJanitor))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
