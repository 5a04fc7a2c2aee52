package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`

	// ServiceSecret signs the bearer tokens external triggers present.
	// Empty disables token auth; the admin key still works.
	ServiceSecret string `mapstructure:"service_secret"`
}

type LogConfig struct {
	File       string `mapstructure:"file"` // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Mode        string        `mapstructure:"mode"` // sqlite | mysql | postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	MySQLDSN    string        `mapstructure:"mysql_dsn"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLife     time.Duration `mapstructure:"max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// AdminAllowlist limits the admin API to these IPs or CIDRs; empty allows all.
	AdminAllowlist []string `mapstructure:"admin_allowlist"`
}

// RotationConfig drives the engine. Family values seed the schedule rows on
// first boot only; afterwards the rows are edited through the admin API.
type RotationConfig struct {
	TriggerInterval time.Duration `mapstructure:"trigger_interval"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	LockWait        time.Duration `mapstructure:"lock_wait"`
	LockRetry       time.Duration `mapstructure:"lock_retry"`
	Store           FamilyConfig  `mapstructure:"store"`
	Quests          FamilyConfig  `mapstructure:"quests"`
	Bounties        BountyConfig  `mapstructure:"bounties"`
}

type FamilyConfig struct {
	Period        time.Duration `mapstructure:"period"`
	ItemCount     int           `mapstructure:"item_count"`
	History       int           `mapstructure:"history"`
	ActiveKeyType string        `mapstructure:"active_key_type"`
	Plan          PlanConfig    `mapstructure:"plan"`
}

// PlanConfig mirrors selector.Plan in config form. A zero Total means
// "use the built-in plan for the family".
type PlanConfig struct {
	Total   int                    `mapstructure:"total"`
	Order   []string               `mapstructure:"order"`
	Fixed   map[string]int         `mapstructure:"fixed"`
	Ranged  map[string]RangeConfig `mapstructure:"ranged"`
	Derived string                 `mapstructure:"derived"`
}

type RangeConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

type BountyConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Kinds   []BountyKindConfig `mapstructure:"kinds"`
	Rewards map[string]Reward  `mapstructure:"rewards"` // difficulty → reward
}

type BountyKindConfig struct {
	Type         string                 `mapstructure:"type"`
	Name         string                 `mapstructure:"name"`
	Description  string                 `mapstructure:"description"`
	Difficulty   string                 `mapstructure:"difficulty"`
	Requirements map[string]interface{} `mapstructure:"requirements"`
}

type Reward struct {
	Coins int64 `mapstructure:"coins"`
	XP    int64 `mapstructure:"xp"`
}

type NotifyConfig struct {
	Transport        string        `mapstructure:"transport"` // pubsub | amqp
	Channel          string        `mapstructure:"channel"`
	AMQPURL          string        `mapstructure:"amqp_url"`
	AMQPExchange     string        `mapstructure:"amqp_exchange"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
}

// Load reads config from the given YAML file path. Environment variables
// prefixed with ROTATIOND_ override file values (rotation.lock_wait →
// ROTATIOND_ROTATION_LOCK_WAIT); a .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ROTATIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/rotation.db")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.rate_limit_rps", 20)
	v.SetDefault("security.rate_limit_burst", 40)
	v.SetDefault("rotation.trigger_interval", "1h")
	v.SetDefault("rotation.lock_ttl", "2m")
	v.SetDefault("rotation.lock_wait", "10s")
	v.SetDefault("rotation.lock_retry", "50ms")
	v.SetDefault("rotation.store.period", "168h")
	v.SetDefault("rotation.store.item_count", 5)
	v.SetDefault("rotation.store.history", 2)
	v.SetDefault("rotation.store.active_key_type", "Classic")
	v.SetDefault("rotation.quests.period", "168h")
	v.SetDefault("rotation.quests.item_count", 5)
	v.SetDefault("rotation.quests.history", 0)
	v.SetDefault("rotation.bounties.enabled", true)
	v.SetDefault("notify.transport", "pubsub")
	v.SetDefault("notify.channel", "rotation:notifications")
	v.SetDefault("notify.amqp_exchange", "rotation.notifications")
	v.SetDefault("notify.dispatch_interval", "30s")
	v.SetDefault("notify.batch_size", 500)
}
