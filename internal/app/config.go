package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/pool"
)

// EnvPrefix selects the environment variables that override configuration,
// e.g. QT_DOWNLOAD_DIR.
const EnvPrefix = "QT_"

// The engine and the DHT bind separate UDP sockets, so they cannot share a
// port while uTP is enabled.
const (
	defaultDHTPort         = 54321
	defaultListenPort      = 54322
	defaultMaxConnections  = 500
	defaultMaxHalfOpen     = 250
	defaultConnsPerTorrent = 200
	defaultUploadSlots     = 10
)

type Config struct {
	HTTPAddr       string   `koanf:"http_addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`

	LogLevel      string `koanf:"log_level"`
	LogFormat     string `koanf:"log_format"`
	LogFile       string `koanf:"log_file"`
	LogMaxSizeMB  int    `koanf:"log_max_size_mb"`
	LogMaxBackups int    `koanf:"log_max_backups"`
	LogMaxAgeDays int    `koanf:"log_max_age_days"`

	DownloadDir string `koanf:"download_dir"`
	CacheDir    string `koanf:"cache_dir"`
	DHTFile     string `koanf:"dht_file"`

	ListenPort          int   `koanf:"listen_port"`
	DHTPort             int   `koanf:"dht_port"`
	DisableUTP          bool  `koanf:"disable_utp"`
	MaxConnections      int   `koanf:"max_connections"`
	MaxHalfOpen         int   `koanf:"max_half_open"`
	MaxConnsPerTorrent  int   `koanf:"max_conns_per_torrent"`
	UploadSlots         int   `koanf:"upload_slots"`
	UploadRate          int64 `koanf:"upload_rate"`
	DownloadRate        int64 `koanf:"download_rate"`
	EncryptionPreferred bool  `koanf:"encryption_preferred"`
	EncryptionRequired  bool  `koanf:"encryption_required"`
	MuteEngineLog       bool  `koanf:"mute_engine_log"`

	MongoURI        string `koanf:"mongo_uri"`
	MongoDatabase   string `koanf:"mongo_db"`
	MongoCollection string `koanf:"mongo_collection"`

	WatchDir         string        `koanf:"watch_dir"`
	AutosaveInterval time.Duration `koanf:"autosave_interval"`
	ForceRehash      bool          `koanf:"force_rehash"`

	// Human-readable sizes such as "5GB". An empty MinFreeSpace disables the
	// disk pressure monitor.
	MinFreeSpace    string `koanf:"min_free_space"`
	ResumeFreeSpace string `koanf:"resume_free_space"`

	OtelEndpoint   string  `koanf:"otel_endpoint"`
	OtelSampleRate float64 `koanf:"otel_sample_rate"`
}

// defaults mirrors the desktop client this daemon replaces.
func defaults() map[string]interface{} {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(home, ".config")
	}
	appDir := filepath.Join(configDir, "QuickTorrent")

	return map[string]interface{}{
		"http_addr":             ":8080",
		"log_level":             "info",
		"log_format":            "text",
		"log_max_size_mb":       50,
		"log_max_backups":       3,
		"log_max_age_days":      28,
		"download_dir":          filepath.Join(home, "Downloads", "QuickTorrent"),
		"cache_dir":             filepath.Join(appDir, "TorrentCache"),
		"dht_file":              filepath.Join(appDir, "dht.bin"),
		"listen_port":           defaultListenPort,
		"dht_port":              defaultDHTPort,
		"max_connections":       defaultMaxConnections,
		"max_half_open":         defaultMaxHalfOpen,
		"max_conns_per_torrent": defaultConnsPerTorrent,
		"upload_slots":          defaultUploadSlots,
		"encryption_preferred":  true,
		"mongo_db":              "quicktorrent",
		"mongo_collection":      "sessions",
		"autosave_interval":     "5m",
		"otel_sample_rate":      0.1,
	}
}

// LoadConfig layers defaults, the optional YAML file at path and QT_*
// environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps QT_DOWNLOAD_DIR to download_dir.
func envKey(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.LogFile = expandPath(c.LogFile)
	c.DownloadDir = expandPath(c.DownloadDir)
	c.CacheDir = expandPath(c.CacheDir)
	c.DHTFile = expandPath(c.DHTFile)
	c.WatchDir = expandPath(c.WatchDir)
	c.MongoURI = strings.TrimSpace(c.MongoURI)

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}

func (c Config) Validate() error {
	var errs []error
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.DHTFile == "" {
		errs = append(errs, errors.New("dht_file is required"))
	}
	if !validPort(c.ListenPort) {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if !validPort(c.DHTPort) {
		errs = append(errs, fmt.Errorf("dht_port %d out of range", c.DHTPort))
	}
	if c.ListenPort == c.DHTPort && c.ListenPort != 0 && !c.DisableUTP {
		errs = append(errs, fmt.Errorf("dht_port must differ from listen_port %d unless disable_utp is set", c.ListenPort))
	}
	if c.UploadRate < 0 || c.DownloadRate < 0 {
		errs = append(errs, errors.New("rates must not be negative"))
	}
	if c.AutosaveInterval < 0 {
		errs = append(errs, errors.New("autosave_interval must not be negative"))
	}
	if _, _, err := c.DiskThresholds(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// DiskThresholds parses the free space limits. Zero minFree means disabled.
func (c Config) DiskThresholds() (minFree, resume int64, err error) {
	parse := func(key, raw string) (int64, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0, nil
		}
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return int64(n), nil
	}
	if minFree, err = parse("min_free_space", c.MinFreeSpace); err != nil {
		return 0, 0, err
	}
	if resume, err = parse("resume_free_space", c.ResumeFreeSpace); err != nil {
		return 0, 0, err
	}
	return minFree, resume, nil
}

// PoolSettings builds the resource pool configuration.
func (c Config) PoolSettings() pool.Settings {
	return pool.Settings{
		DownloadDir: c.DownloadDir,
		CacheDir:    c.CacheDir,
		DHTPort:     c.DHTPort,
		Engine: domain.EngineSettings{
			DownloadDir:         c.DownloadDir,
			ListenPort:          c.ListenPort,
			DisableUTP:          c.DisableUTP,
			MaxConnections:      c.MaxConnections,
			MaxHalfOpen:         c.MaxHalfOpen,
			MaxUploadRate:       c.UploadRate,
			MaxDownloadRate:     c.DownloadRate,
			EncryptionPreferred: c.EncryptionPreferred,
			EncryptionRequired:  c.EncryptionRequired,
			MuteEngineLog:       c.MuteEngineLog,
		},
	}
}

// TorrentSettings builds the per-torrent configuration.
func (c Config) TorrentSettings() domain.TorrentSettings {
	s := domain.DefaultTorrentSettings()
	if c.MaxConnsPerTorrent > 0 {
		s.MaxConnections = c.MaxConnsPerTorrent
	}
	if c.UploadSlots > 0 {
		s.UploadSlots = c.UploadSlots
	}
	return s
}
