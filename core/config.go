package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		Address                   string
		DebugAddress              string
		FrontendBaseURL           string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	AttendanceConfig struct {
		// StaleAfter is how long a session may stay open before the janitor closes it.
		StaleAfter      time.Duration
		JanitorSchedule string
		AdminEmails     []string
	}

	ClientConfig struct {
		BaseURL        string
		Role           string
		Ministry       string
		Username       string
		PollInterval   time.Duration
		RequestTimeout time.Duration
	}

	Config struct {
		Env            string
		Build          string
		AppName        string
		Debug          bool
		TestMode       bool
		SecretKey      string
		RollbarToken   string
		SendgridApiKey string

		Server     ServerConfig
		Database   DatabaseConfig
		Attendance AttendanceConfig
		Client     ClientConfig

		defaultFromEmail string
	}
)

// Address returns the "host:port" the database listens on.
func (dc DatabaseConfig) Address() string {
	return net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
}

// DefaultFromEmail parses the configured sender address; falls back to a bare noreply address.
func (conf *Config) DefaultFromEmail() mail.Address {
	if addr, err := mail.ParseAddress(conf.defaultFromEmail); err == nil {
		return *addr
	}
	return mail.Address{Name: conf.AppName, Address: "noreply@localhost"}
}

// AdminAddresses returns the parsed admin recipients of attendance audit emails. Invalid entries are skipped.
func (conf *Config) AdminAddresses() []mail.Address {
	addrs := make([]mail.Address, 0, len(conf.Attendance.AdminEmails))
	for _, raw := range conf.Attendance.AdminEmails {
		if addr, err := mail.ParseAddress(CleanString(raw)); err == nil {
			addrs = append(addrs, *addr)
		}
	}
	return addrs
}

func newViper(env string) *viper.Viper {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Kanisa")
	v.SetDefault("secretKey", "k4n1s4-)dev&only(-7c2e$+9z!q1x=ow#h2v")
	v.SetDefault("defaultFromEmail", "Kanisa <noreply@localhost>")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugAddress", ":4000")
	v.SetDefault("server.frontendBaseURL", "http://localhost:3000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "kanisa")
	v.SetDefault("database.user", "kanisa")
	v.SetDefault("database.password", "kanisa")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("attendance.staleAfter", 6*time.Hour)
	v.SetDefault("attendance.janitorSchedule", "@every 15m")
	v.SetDefault("attendance.adminEmails", []string{})

	v.SetDefault("client.baseURL", "http://localhost:8000")
	v.SetDefault("client.role", "")
	v.SetDefault("client.ministry", "")
	v.SetDefault("client.username", "")
	v.SetDefault("client.pollInterval", 2*time.Second)
	v.SetDefault("client.requestTimeout", 10*time.Second)

	if env == "TEST" {
		v.SetDefault("testMode", true)
	}

	// DEV_SERVER_ADDRESS -> server.address
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// NewConfig loads the app configuration for the current ENV (DEV (default), TEST, QA, PROD).
// Values come from defaults, an optional `config/.env.<env>` file and the environment, in that order.
func NewConfig() *Config {
	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(ProjectRoot(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}

	v := newViper(env)
	return &Config{
		Env:              env,
		Build:            v.GetString("build"),
		AppName:          v.GetString("appName"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		SecretKey:        v.GetString("secretKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			Address:                   v.GetString("server.address"),
			DebugAddress:              v.GetString("server.debugAddress"),
			FrontendBaseURL:           v.GetString("server.frontendBaseURL"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Attendance: AttendanceConfig{
			StaleAfter:      v.GetDuration("attendance.staleAfter"),
			JanitorSchedule: v.GetString("attendance.janitorSchedule"),
			AdminEmails:     v.GetStringSlice("attendance.adminEmails"),
		},
		Client: ClientConfig{
			BaseURL:        v.GetString("client.baseURL"),
			Role:           v.GetString("client.role"),
			Ministry:       v.GetString("client.ministry"),
			Username:       v.GetString("client.username"),
			PollInterval:   v.GetDuration("client.pollInterval"),
			RequestTimeout: v.GetDuration("client.requestTimeout"),
		},
	}
}

// NewTestConfig returns a config suitable for tests: no debug output, short token lifetimes.
func NewTestConfig() *Config {
	return &Config{
		Env:              "TEST",
		Build:            "test",
		AppName:          "Kanisa",
		TestMode:         true,
		SecretKey:        "secret",
		defaultFromEmail: "Kanisa <noreply@test.local>",
		Server: ServerConfig{
			Host:                      "localhost",
			FrontendBaseURL:           "http://localhost:3000",
			ShutdownTimeout:           time.Second,
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
		Attendance: AttendanceConfig{
			StaleAfter:      6 * time.Hour,
			JanitorSchedule: "@every 1m",
			AdminEmails:     []string{"Admin <admin@test.local>"},
		},
		Client: ClientConfig{
			PollInterval:   50 * time.Millisecond,
			RequestTimeout: time.Second,
		},
	}
}
