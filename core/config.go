package core

import (
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address         string `validate:"required"`
		Host            string
		DebugHost       string
		ShutdownTimeout time.Duration
		DisableReqLogs  bool
	}

	// OriginConfig describes the app origin served by the gateway and the upstream it fronts.
	OriginConfig struct {
		App      string `validate:"required,url"`
		Upstream string `validate:"required,url"`
		Timeout  time.Duration
	}

	CacheConfig struct {
		Prefix        string `validate:"required,kind"`
		Generation    string `validate:"required,kind"`
		Backend       string `validate:"oneof=memory redis"`
		RedisAddr     string `validate:"required_if=Backend redis"`
		StaticAssets  []string
		ShellPath     string `validate:"required,startswith=/"`
		OfflinePage   string `validate:"required,startswith=/"`
		ClientRoutes  []string
		APIPrefix     string `validate:"required,startswith=/"`
		ImagePatterns []string
	}

	DatabaseConfig struct {
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          string
		Name          string
		DisableTLS    bool
	}

	QueueConfig struct {
		Driver string `validate:"oneof=sqlite postgres memory"`
		Path   string `validate:"required_if=Driver sqlite"`
	}

	SyncConfig struct {
		ProbePath     string `validate:"required,startswith=/"`
		ProbeInterval time.Duration
		WakeInterval  time.Duration
	}

	NotifyConfig struct {
		Backend     string `validate:"oneof=log email"`
		Recipient   string `validate:"required_if=Backend email"`
		DefaultIcon string
		DefaultBody string
	}

	EmailConfig struct {
		SendgridKey string
		DefaultFrom mail.Address
	}

	// Config is the gateway configuration, built from defaults, the environment and an optional dotenv file.
	Config struct {
		Env          string
		Debug        bool
		TestMode     bool
		AppName      string
		Build        string
		WorkDir      string
		RollbarToken string

		Server   ServerConfig
		Origin   OriginConfig
		Cache    CacheConfig
		Database DatabaseConfig
		Queue    QueueConfig
		Sync     SyncConfig
		Notify   NotifyConfig
		Email    EmailConfig
	}
)

// Address returns the database host:port.
func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Masomo")
	v.SetDefault("build", "develop")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", "localhost:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("origin.app", "http://localhost:8080")
	v.SetDefault("origin.upstream", "http://localhost:8000")
	v.SetDefault("origin.timeout", 30*time.Second)

	v.SetDefault("cache.prefix", "masomo")
	v.SetDefault("cache.generation", "v1")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redisAddr", "")
	v.SetDefault("cache.staticAssets", []string{"/", "/offline.html", "/manifest.webmanifest"})
	v.SetDefault("cache.shellPath", "/")
	v.SetDefault("cache.offlinePage", "/offline.html")
	v.SetDefault("cache.clientRoutes", []string{
		"/dashboard", "/attendance", "/grades", "/classes", "/calendar", "/profile", "/settings",
	})
	v.SetDefault("cache.apiPrefix", "/api/")
	v.SetDefault("cache.imagePatterns", []string{"**/*.{png,jpg,jpeg,gif,svg,webp,ico,avif}"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "masomo_offline")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.path", filepath.Join("data", "pending.db"))

	v.SetDefault("sync.probePath", "/")
	v.SetDefault("sync.probeInterval", 10*time.Second)
	v.SetDefault("sync.wakeInterval", 5*time.Minute)

	v.SetDefault("notify.backend", "log")
	v.SetDefault("notify.defaultIcon", "/img/icons/android-chrome-192x192.png")
	v.SetDefault("notify.defaultBody", "You have a new update")

	v.SetDefault("email.defaultFrom", "noreply@localhost")
}

// NewConfig loads the configuration for the environment named by $ENV (DEV by default).
// Environment variables are prefixed by the environment name, e.g. DEV_ORIGIN_UPSTREAM.
func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	workDir := Getwd()
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "loading %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat %s", dotEnvPath)
	}
	v.AutomaticEnv()

	from, err := mail.ParseAddress(v.GetString("email.defaultFrom"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing email.defaultFrom")
	}

	conf := &Config{
		Env:          env,
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		Build:        v.GetString("build"),
		WorkDir:      workDir,
		RollbarToken: v.GetString("rollbarToken"),
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			Host:            v.GetString("server.host"),
			DebugHost:       v.GetString("server.debugHost"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
			DisableReqLogs:  v.GetBool("server.disableReqLogs"),
		},
		Origin: OriginConfig{
			App:      strings.TrimRight(v.GetString("origin.app"), "/"),
			Upstream: strings.TrimRight(v.GetString("origin.upstream"), "/"),
			Timeout:  v.GetDuration("origin.timeout"),
		},
		Cache: CacheConfig{
			Prefix:        CleanString(v.GetString("cache.prefix"), true /* lower */),
			Generation:    CleanString(v.GetString("cache.generation"), true /* lower */),
			Backend:       CleanString(v.GetString("cache.backend"), true /* lower */),
			RedisAddr:     v.GetString("cache.redisAddr"),
			StaticAssets:  stringSlice(v, "cache.staticAssets"),
			ShellPath:     v.GetString("cache.shellPath"),
			OfflinePage:   v.GetString("cache.offlinePage"),
			ClientRoutes:  stringSlice(v, "cache.clientRoutes"),
			APIPrefix:     v.GetString("cache.apiPrefix"),
			ImagePatterns: stringSlice(v, "cache.imagePatterns"),
		},
		Database: DatabaseConfig{
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Queue: QueueConfig{
			Driver: CleanString(v.GetString("queue.driver"), true /* lower */),
			Path:   v.GetString("queue.path"),
		},
		Sync: SyncConfig{
			ProbePath:     v.GetString("sync.probePath"),
			ProbeInterval: v.GetDuration("sync.probeInterval"),
			WakeInterval:  v.GetDuration("sync.wakeInterval"),
		},
		Notify: NotifyConfig{
			Backend:     CleanString(v.GetString("notify.backend"), true /* lower */),
			Recipient:   v.GetString("notify.recipient"),
			DefaultIcon: v.GetString("notify.defaultIcon"),
			DefaultBody: v.GetString("notify.defaultBody"),
		},
		Email: EmailConfig{
			SendgridKey: v.GetString("email.sendgridKey"),
			DefaultFrom: *from,
		},
	}

	validate, _ := NewValidator()
	if err := validate.Struct(conf); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return conf, nil
}

// stringSlice reads a list that may come from defaults (a slice) or from the environment (comma separated).
func stringSlice(v *viper.Viper, key string) []string {
	raw := v.GetStringSlice(key)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
