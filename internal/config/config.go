package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Downloader struct {
		ToolPath            string
		Mode                string
		Retries             int
		ConcurrentFragments int
		UserAgent           string
		SubtitleFormat      string
		CancelGraceSeconds  int
	}
	Session struct {
		DestinationRoot string
		ArchiveFile     string
		OnItemFailure   string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		Secret               string
		TokenTTLHours        int
		RegistrationPassword string
	}
	Log struct {
		Level      string
		File       string
		MaxSizeMB  int
		MaxBackups int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// Missing .env is fine; existing env vars win over file values.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("COURSEGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/coursegrab.db")
	v.SetDefault("downloader.toolpath", "yt-dlp")
	v.SetDefault("downloader.mode", "per-item")
	v.SetDefault("downloader.retries", 100)
	v.SetDefault("downloader.concurrentfragments", 4)
	v.SetDefault("downloader.useragent", "Mozilla/5.0")
	v.SetDefault("downloader.subtitleformat", "srt/best")
	v.SetDefault("downloader.cancelgraceseconds", 10)
	v.SetDefault("session.destinationroot", "data/downloads")
	v.SetDefault("session.archivefile", "download-archive.txt")
	v.SetDefault("session.onitemfailure", "continue")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "courses")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenttlhours", 24)
	v.SetDefault("auth.registrationpassword", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxsizemb", 50)
	v.SetDefault("log.maxbackups", 3)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Downloader.Mode {
	case "per-item", "playlist":
	default:
		return fmt.Errorf("invalid downloader.mode %q (want per-item or playlist)", c.Downloader.Mode)
	}

	switch c.Session.OnItemFailure {
	case "continue", "abort":
	default:
		return fmt.Errorf("invalid session.onitemfailure %q (want continue or abort)", c.Session.OnItemFailure)
	}

	if c.Downloader.CancelGraceSeconds <= 0 {
		return fmt.Errorf("downloader.cancelgraceseconds must be positive, got %d", c.Downloader.CancelGraceSeconds)
	}

	return nil
}
