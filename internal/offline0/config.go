package offline0

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"min=1,max=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Cache struct {
		// Name is the cache generation label. Bumping it is the only way to
		// retire the previous generation.
		Name     string   `yaml:"name" validate:"required"`
		Path     string   `yaml:"path" validate:"required"`
		Manifest []string `yaml:"manifest" validate:"required,unique,dive,startswith=/"`
	} `yaml:"cache"`

	Fetch struct {
		Bypass      []string `yaml:"bypass"`
		Timeout     string   `yaml:"timeout"`
		MaxBodySize string   `yaml:"maxBodySize"`

		// compiled
		timeoutDur  time.Duration
		maxBodySize int64
	} `yaml:"fetch"`

	Notifications NotificationConfig `yaml:"notifications"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type NotificationConfig struct {
	Permission    string `yaml:"permission" validate:"oneof=granted denied"`
	DefaultTitle  string `yaml:"defaultTitle"`
	DefaultBody   string `yaml:"defaultBody"`
	FallbackTitle string `yaml:"fallbackTitle"`
	Icon          string `yaml:"icon"`
	Badge         string `yaml:"badge"`
	Vibrate       []int  `yaml:"vibrate" validate:"dive,min=0"`
	Tag           string `yaml:"tag"`
	Renotify      *bool  `yaml:"renotify"`
	ClickURL      string `yaml:"clickURL"`
}

const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// DefaultManifest is the set of assets the app needs to start offline.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/style.css",
	"/script.js",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	"/sounds/add-task.mp3",
	"/sounds/complete-task.mp3",
	"/sounds/delete-task.mp3",
}

const DefaultCacheName = "minha-rotina-cache-v2"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a config with every default applied for the given origin.
func DefaultConfig(origin string) Config {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.normalize(); err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = DefaultCacheName
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/leveldb"
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		uri, err := manifestURI(p)
		if err != nil {
			return fmt.Errorf("cache.manifest[%d]: %w", i, err)
		}
		cfg.Cache.Manifest[i] = uri
	}

	if cfg.Fetch.Bypass == nil {
		cfg.Fetch.Bypass = []string{"/api/"}
	}
	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "30s"
	}
	d, err := time.ParseDuration(cfg.Fetch.Timeout)
	if err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	cfg.Fetch.timeoutDur = d
	if cfg.Fetch.MaxBodySize == "" {
		cfg.Fetch.MaxBodySize = "16mb"
	}
	n, err := parseBytes(cfg.Fetch.MaxBodySize)
	if err != nil {
		return fmt.Errorf("fetch.maxBodySize: %w", err)
	}
	cfg.Fetch.maxBodySize = n

	nc := &cfg.Notifications
	if nc.Permission == "" {
		nc.Permission = PermissionGranted
	}
	if nc.DefaultTitle == "" {
		nc.DefaultTitle = "Minha Rotina"
	}
	if nc.DefaultBody == "" {
		nc.DefaultBody = "Você tem uma nova notificação."
	}
	if nc.FallbackTitle == "" {
		nc.FallbackTitle = "Nova Notificação"
	}
	if nc.Icon == "" {
		nc.Icon = "/icons/icon-192x192.png"
	}
	if nc.Badge == "" {
		nc.Badge = "/icons/icon-192x192.png"
	}
	if nc.Vibrate == nil {
		nc.Vibrate = []int{200, 100, 200}
	}
	if nc.Tag == "" {
		nc.Tag = "minha-rotina-notification"
	}
	if nc.Renotify == nil {
		on := true
		nc.Renotify = &on
	}
	if nc.ClickURL == "" {
		nc.ClickURL = "/"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if err := configValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// manifestURI returns the escaped request URI a manifest entry is cached and
// looked up under. Entries that are not root-relative are returned trimmed so
// validation reports them.
func manifestURI(p string) (string, error) {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		return p, nil
	}
	u, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" || u.Host != "" {
		return "", fmt.Errorf("%q must be root-relative", p)
	}
	return u.RequestURI(), nil
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	// report yaml keys
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// bypassed reports whether a request URL is excluded from cache lookups.
func (cfg *Config) bypassed(rawURL string) bool {
	for _, s := range cfg.Fetch.Bypass {
		if s != "" && strings.Contains(rawURL, s) {
			return true
		}
	}
	return false
}
