// Package config loads the injected configuration shared by the pixl
// binaries. Values come from built-in defaults, an optional YAML file and
// PIXL_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aym-n/pixl/internal/models"
)

const envPrefix = "PIXL"

type Config struct {
	Upload      UploadConfig
	Transcode   TranscodeConfig
	Workers     WorkerConfig
	Manifest    ManifestConfig
	Storage     StorageConfig
	Blob        BlobConfig
	Queue       QueueConfig
	Redis       RedisConfig
	Server      ServerConfig
	Logging     LoggingConfig
	Maintenance MaintenanceConfig
}

type UploadConfig struct {
	ChunkSize  int64
	SessionTTL time.Duration
}

// TranscodeConfig carries the rendition ladder. Profiles keep the order in
// which they were configured.
type TranscodeConfig struct {
	Profiles    []models.RenditionProfile
	FFmpegPath  string
	FFprobePath string
	ScratchDir  string
	Thumbnails  bool
}

// Ladder builds the validated rendition ladder.
func (c TranscodeConfig) Ladder() (models.Ladder, error) {
	return models.NewLadder(c.Profiles)
}

type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
}

type ManifestConfig struct {
	SegmentDuration time.Duration
	Parallelism     int
}

type StorageConfig struct {
	Driver   string
	Postgres PostgresConfig
	Pebble   PebbleConfig
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
	AcquireTimeout  time.Duration
}

type PebbleConfig struct {
	Dir string
}

type BlobConfig struct {
	Driver  string
	Buckets BucketConfig
	S3      S3Config
}

type BucketConfig struct {
	Originals  string
	Transcoded string
	Chunks     string
	Thumbnails string
}

// All returns every configured bucket name.
func (b BucketConfig) All() []string {
	return []string{b.Originals, b.Transcoded, b.Chunks, b.Thumbnails}
}

type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

type QueueConfig struct {
	Driver            string
	Name              string
	Group             string
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Addrs    []string
	Username string
	Password string
	DB       int
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MetricsEnabled  bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MaintenanceConfig struct {
	Enabled  bool
	Interval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upload.chunk_size", 5*1024*1024)
	v.SetDefault("upload.session_ttl", "24h")

	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.ffprobe_path", "ffprobe")
	v.SetDefault("transcode.scratch_dir", os.TempDir())
	v.SetDefault("transcode.thumbnails", true)

	v.SetDefault("workers.concurrency", 2)
	v.SetDefault("workers.job_timeout", "30m")

	v.SetDefault("manifest.segment_duration", "6s")
	v.SetDefault("manifest.parallelism", 2)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", "1h")
	v.SetDefault("storage.postgres.max_conn_idle_time", "30m")
	v.SetDefault("storage.postgres.health_check", "1m")
	v.SetDefault("storage.postgres.acquire_timeout", "5s")
	v.SetDefault("storage.pebble.dir", "data/pixl")

	v.SetDefault("blob.driver", "memory")
	v.SetDefault("blob.buckets.originals", "videos-original")
	v.SetDefault("blob.buckets.transcoded", "videos-transcoded")
	v.SetDefault("blob.buckets.chunks", "chunks")
	v.SetDefault("blob.buckets.thumbnails", "thumbnails")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.use_path_style", true)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.name", "transcode-jobs")
	v.SetDefault("queue.group", "transcode-workers")
	v.SetDefault("queue.block_timeout", "5s")
	v.SetDefault("queue.visibility_timeout", "45m")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.interval", "1h")
}

// Load reads .env (if present), then the optional YAML file at path, then
// the environment. An empty path skips the file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Upload: UploadConfig{
			ChunkSize:  v.GetInt64("upload.chunk_size"),
			SessionTTL: v.GetDuration("upload.session_ttl"),
		},
		Transcode: TranscodeConfig{
			FFmpegPath:  v.GetString("transcode.ffmpeg_path"),
			FFprobePath: v.GetString("transcode.ffprobe_path"),
			ScratchDir:  v.GetString("transcode.scratch_dir"),
			Thumbnails:  v.GetBool("transcode.thumbnails"),
		},
		Workers: WorkerConfig{
			Concurrency: v.GetInt("workers.concurrency"),
			JobTimeout:  v.GetDuration("workers.job_timeout"),
		},
		Manifest: ManifestConfig{
			SegmentDuration: v.GetDuration("manifest.segment_duration"),
			Parallelism:     v.GetInt("manifest.parallelism"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
			Postgres: PostgresConfig{
				DSN:             strings.TrimSpace(v.GetString("storage.postgres.dsn")),
				MaxConns:        v.GetInt32("storage.postgres.max_conns"),
				MinConns:        v.GetInt32("storage.postgres.min_conns"),
				MaxConnLifetime: v.GetDuration("storage.postgres.max_conn_lifetime"),
				MaxConnIdleTime: v.GetDuration("storage.postgres.max_conn_idle_time"),
				HealthCheck:     v.GetDuration("storage.postgres.health_check"),
				AcquireTimeout:  v.GetDuration("storage.postgres.acquire_timeout"),
			},
			Pebble: PebbleConfig{Dir: v.GetString("storage.pebble.dir")},
		},
		Blob: BlobConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("blob.driver"))),
			Buckets: BucketConfig{
				Originals:  v.GetString("blob.buckets.originals"),
				Transcoded: v.GetString("blob.buckets.transcoded"),
				Chunks:     v.GetString("blob.buckets.chunks"),
				Thumbnails: v.GetString("blob.buckets.thumbnails"),
			},
			S3: S3Config{
				Endpoint:     strings.TrimSpace(v.GetString("blob.s3.endpoint")),
				Region:       v.GetString("blob.s3.region"),
				AccessKey:    v.GetString("blob.s3.access_key"),
				SecretKey:    v.GetString("blob.s3.secret_key"),
				UsePathStyle: v.GetBool("blob.s3.use_path_style"),
			},
		},
		Queue: QueueConfig{
			Driver:            strings.ToLower(strings.TrimSpace(v.GetString("queue.driver"))),
			Name:              v.GetString("queue.name"),
			Group:             v.GetString("queue.group"),
			BlockTimeout:      v.GetDuration("queue.block_timeout"),
			VisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			Addrs:    splitList(v.Get("redis.addrs")),
			Username: v.GetString("redis.username"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  splitList(v.Get("server.allowed_origins")),
			MetricsEnabled:  v.GetBool("server.metrics_enabled"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Maintenance: MaintenanceConfig{
			Enabled:  v.GetBool("maintenance.enabled"),
			Interval: v.GetDuration("maintenance.interval"),
		},
	}

	profiles, err := ladderFromViper(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Transcode.Profiles = profiles

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type ladderEntry struct {
	Name      string `mapstructure:"name"`
	Width     int    `mapstructure:"width"`
	Height    int    `mapstructure:"height"`
	Bitrate   int    `mapstructure:"bitrate"`
	Bandwidth int    `mapstructure:"bandwidth"`
}

// ladderFromViper accepts either a YAML list of entries or the compact env
// form "360p:640x360:500,720p:1280x720:2500".
func ladderFromViper(v *viper.Viper) ([]models.RenditionProfile, error) {
	raw := v.Get("transcode.ladder")
	switch value := raw.(type) {
	case nil:
		return models.DefaultProfiles(), nil
	case string:
		if strings.TrimSpace(value) == "" {
			return models.DefaultProfiles(), nil
		}
		return parseLadder(value)
	default:
		var entries []ladderEntry
		if err := v.UnmarshalKey("transcode.ladder", &entries); err != nil {
			return nil, fmt.Errorf("decode transcode.ladder: %w", err)
		}
		profiles := make([]models.RenditionProfile, 0, len(entries))
		for _, entry := range entries {
			rendition, err := models.ParseRendition(entry.Name)
			if err != nil {
				return nil, err
			}
			profiles = append(profiles, models.RenditionProfile{
				Rendition:        rendition,
				Width:            entry.Width,
				Height:           entry.Height,
				VideoBitrateKbps: entry.Bitrate,
				Bandwidth:        entry.Bandwidth,
			})
		}
		return profiles, nil
	}
}

func parseLadder(raw string) ([]models.RenditionProfile, error) {
	entries := strings.Split(raw, ",")
	profiles := make([]models.RenditionProfile, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid rendition entry %q", trimmed)
		}
		rendition, err := models.ParseRendition(parts[0])
		if err != nil {
			return nil, err
		}
		dims := strings.SplitN(strings.ToLower(parts[1]), "x", 2)
		if len(dims) != 2 {
			return nil, fmt.Errorf("invalid resolution for rendition %q", trimmed)
		}
		width, err := strconv.Atoi(dims[0])
		if err != nil {
			return nil, fmt.Errorf("invalid width for rendition %q: %w", trimmed, err)
		}
		height, err := strconv.Atoi(dims[1])
		if err != nil {
			return nil, fmt.Errorf("invalid height for rendition %q: %w", trimmed, err)
		}
		bitrate, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid bitrate for rendition %q: %w", trimmed, err)
		}
		profiles = append(profiles, models.RenditionProfile{
			Rendition:        rendition,
			Width:            width,
			Height:           height,
			VideoBitrateKbps: bitrate,
		})
	}
	if len(profiles) == 0 {
		return nil, errors.New("no rendition profiles configured")
	}
	return profiles, nil
}

// splitList accepts a YAML list or a comma separated string.
func splitList(raw any) []string {
	var items []string
	switch value := raw.(type) {
	case nil:
		return nil
	case string:
		items = strings.Split(value, ",")
	case []string:
		items = value
	case []any:
		for _, item := range value {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = []string{fmt.Sprint(value)}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload chunk size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Upload.SessionTTL <= 0 {
		return errors.New("upload session ttl must be positive")
	}
	if _, err := c.Transcode.Ladder(); err != nil {
		return err
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Manifest.SegmentDuration <= 0 {
		return errors.New("manifest segment duration must be positive")
	}
	if c.Manifest.Parallelism <= 0 {
		return errors.New("manifest parallelism must be positive")
	}
	switch c.Storage.Driver {
	case "memory", "pebble":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("postgres storage requires PIXL_STORAGE_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "memory":
	case "s3":
		if c.Blob.S3.Region == "" {
			return errors.New("s3 blob store requires a region")
		}
	default:
		return fmt.Errorf("unsupported blob driver %q", c.Blob.Driver)
	}
	for _, bucket := range c.Blob.Buckets.All() {
		if strings.TrimSpace(bucket) == "" {
			return errors.New("all blob buckets must be named")
		}
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" && len(c.Redis.Addrs) == 0 {
			return errors.New("redis queue requires PIXL_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return errors.New("queue name is required")
	}
	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return errors.New("maintenance interval must be positive when enabled")
	}
	return nil
}
