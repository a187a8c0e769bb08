// Package config loads server and client settings from an optional YAML file,
// a .env file and PMCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Log    LogConfig    `mapstructure:"log"`
		Server ServerConfig `mapstructure:"server"`
		Client ClientConfig `mapstructure:"client"`
		Mongo  MongoConfig  `mapstructure:"mongo"`
		Redis  RedisConfig  `mapstructure:"redis"`
	}

	LogConfig struct {
		// Level: debug, info, warn, error
		Level string `mapstructure:"level"`
		// Format: console or json
		Format string `mapstructure:"format"`
		// Outputs: stdout, stderr or file paths
		Outputs     []string       `mapstructure:"outputs"`
		Rotation    RotationConfig `mapstructure:"rotation"`
		Development bool           `mapstructure:"development"`
	}

	RotationConfig struct {
		Enable     bool `mapstructure:"enable"`
		MaxSizeMB  int  `mapstructure:"max_size_mb"`
		MaxBackups int  `mapstructure:"max_backups"`
		MaxAgeDays int  `mapstructure:"max_age_days"`
		Compress   bool `mapstructure:"compress"`
	}

	ServerConfig struct {
		Addr      string        `mapstructure:"addr"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
		// PollHold is the ceiling a poll request is held open for.
		PollHold          time.Duration `mapstructure:"poll_hold"`
		PollCheckInterval time.Duration `mapstructure:"poll_check_interval"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		SendBuffer        int           `mapstructure:"send_buffer"`
	}

	ClientConfig struct {
		UserID            string        `mapstructure:"user_id"`
		Token             string        `mapstructure:"token"`
		ServerHost        string        `mapstructure:"server_host"`
		Secure            bool          `mapstructure:"secure"`
		DataDir           string        `mapstructure:"data_dir"`
		ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
		BackoffMax        time.Duration `mapstructure:"backoff_max"`
		Mesh              MeshConfig    `mapstructure:"mesh"`
	}

	MeshConfig struct {
		Listen            string        `mapstructure:"listen"`
		Peers             []string      `mapstructure:"peers"`
		MTU               int           `mapstructure:"mtu"`
		HeaderReserve     int           `mapstructure:"header_reserve"`
		InterFrameDelay   time.Duration `mapstructure:"inter_frame_delay"`
		ChunkWriteTimeout time.Duration `mapstructure:"chunk_write_timeout"`
		AssemblyTimeout   time.Duration `mapstructure:"assembly_timeout"`
	}

	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}
)

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Addr:              "localhost:9090",
			TokenTTL:          24 * time.Hour,
			PollHold:          25 * time.Second,
			PollCheckInterval: 2 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        64,
		},
		Client: ClientConfig{
			ServerHost:        "localhost:9090",
			DataDir:           defaultDataDir(),
			ConnectTimeout:    5 * time.Second,
			PollInterval:      3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			BackoffInitial:    time.Second,
			BackoffMax:        30 * time.Second,
			Mesh: MeshConfig{
				MTU:               512,
				HeaderReserve:     100,
				InterFrameDelay:   50 * time.Millisecond,
				ChunkWriteTimeout: 5 * time.Second,
				AssemblyTimeout:   2 * time.Minute,
			},
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "mydb",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads configuration from path (if non-empty) and the environment.
// Environment variables use the prefix PMCHAT, e.g. PMCHAT_SERVER_JWT_SECRET.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.Mesh.MTU <= c.Client.Mesh.HeaderReserve {
		errs = append(errs, fmt.Errorf("client.mesh.mtu (%d) must exceed header_reserve (%d)", c.Client.Mesh.MTU, c.Client.Mesh.HeaderReserve))
	}
	if c.Client.BackoffInitial <= 0 || c.Client.BackoffMax < c.Client.BackoffInitial {
		errs = append(errs, errors.New("client backoff must satisfy 0 < initial <= max"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// seed defaults for viper so env-only configs work
func seedDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)

	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.jwt_secret", c.Server.JWTSecret)
	v.SetDefault("server.token_ttl", c.Server.TokenTTL)
	v.SetDefault("server.poll_hold", c.Server.PollHold)
	v.SetDefault("server.poll_check_interval", c.Server.PollCheckInterval)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.send_buffer", c.Server.SendBuffer)

	v.SetDefault("client.user_id", c.Client.UserID)
	v.SetDefault("client.token", c.Client.Token)
	v.SetDefault("client.server_host", c.Client.ServerHost)
	v.SetDefault("client.secure", c.Client.Secure)
	v.SetDefault("client.data_dir", c.Client.DataDir)
	v.SetDefault("client.connect_timeout", c.Client.ConnectTimeout)
	v.SetDefault("client.poll_interval", c.Client.PollInterval)
	v.SetDefault("client.heartbeat_interval", c.Client.HeartbeatInterval)
	v.SetDefault("client.backoff_initial", c.Client.BackoffInitial)
	v.SetDefault("client.backoff_max", c.Client.BackoffMax)
	v.SetDefault("client.mesh.listen", c.Client.Mesh.Listen)
	v.SetDefault("client.mesh.peers", c.Client.Mesh.Peers)
	v.SetDefault("client.mesh.mtu", c.Client.Mesh.MTU)
	v.SetDefault("client.mesh.header_reserve", c.Client.Mesh.HeaderReserve)
	v.SetDefault("client.mesh.inter_frame_delay", c.Client.Mesh.InterFrameDelay)
	v.SetDefault("client.mesh.chunk_write_timeout", c.Client.Mesh.ChunkWriteTimeout)
	v.SetDefault("client.mesh.assembly_timeout", c.Client.Mesh.AssemblyTimeout)

	v.SetDefault("mongo.uri", c.Mongo.URI)
	v.SetDefault("mongo.database", c.Mongo.Database)

	v.SetDefault("redis.addr", c.Redis.Addr)
	v.SetDefault("redis.password", c.Redis.Password)
	v.SetDefault("redis.db", c.Redis.DB)
}

func defaultDataDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".pmchat"
	}
	return dir + string(os.PathSeparator) + ".pmchat"
}
