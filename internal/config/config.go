package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lpvalidation/services/analytics/internal/model"
)

const (
	MetricsSourcePostgres = "postgres"
	MetricsSourceInflux   = "influx"
)

type Config struct {
	ListenAddr              string   `toml:"listen_addr"`
	LogFormat               string   `toml:"log_format"`
	DatabaseURL             string   `toml:"database_url"`
	SQLitePath              string   `toml:"sqlite_path"`
	RedisAddr               string   `toml:"redis_addr"`
	RedisPassword           string   `toml:"redis_password"`
	RedisDB                 int      `toml:"redis_db"`
	RolloutQueueName        string   `toml:"rollout_queue_name"`
	CORSAllowedOrigins      []string `toml:"cors_allowed_origins"`
	AdminAPIKey             string   `toml:"admin_api_key"`
	DownloadTokenSecret     string   `toml:"download_token_secret"`
	DownloadTokenTTLSeconds int      `toml:"download_token_ttl_seconds"`
	RateLimitRequestsPerSec float64  `toml:"rate_limit_requests_per_sec"`
	RateLimitBurst          int      `toml:"rate_limit_burst"`
	RequestTimeoutSeconds   int      `toml:"request_timeout_seconds"`

	MetricsSource  string `toml:"metrics_source"`
	InfluxURL      string `toml:"influx_url"`
	InfluxToken    string `toml:"influx_token"`
	InfluxOrg      string `toml:"influx_org"`
	InfluxBucket   string `toml:"influx_bucket"`
	InfluxLookback int    `toml:"influx_lookback_days"`

	S3Region            string `toml:"s3_region"`
	S3Endpoint          string `toml:"s3_endpoint"`
	S3AccessKey         string `toml:"s3_access_key"`
	S3SecretKey         string `toml:"s3_secret_key"`
	S3Bucket            string `toml:"s3_bucket"`
	ReportRetentionDays int    `toml:"report_retention_days"`
	ReportPDFFont       string `toml:"report_pdf_font"`

	ReportSchedulesFile string `toml:"report_schedules_file"`
	ScheduleConcurrency int    `toml:"schedule_concurrency"`
	SMTPHost            string `toml:"smtp_host"`
	SMTPPort            int    `toml:"smtp_port"`
	SMTPUsername        string `toml:"smtp_username"`
	SMTPPassword        string `toml:"smtp_password"`
	SMTPFrom            string `toml:"smtp_from"`

	GitHubToken       string `toml:"github_token"`
	GitHubOwner       string `toml:"github_owner"`
	GitHubRepo        string `toml:"github_repo"`
	GitHubAPIURL      string `toml:"github_api_url"`
	GitHubBaseBranch  string `toml:"github_base_branch"`
	RolloutMaxRetries int    `toml:"rollout_max_retries"`

	DiscordWebhookURL string `toml:"discord_webhook_url"`
	WebhookURL        string `toml:"webhook_url"`
	WebhookAuthHeader string `toml:"webhook_auth_header"`

	Alerts               model.AlertConfig `toml:"alerts"`
	AlertSweepCron       string            `toml:"alert_sweep_cron"`
	AlertCooldownMinutes int               `toml:"alert_cooldown_minutes"`
}

func Load() Config {
	port := envOrDefault("ANALYTICS_PORT", "8080")

	return Config{
		ListenAddr:              ":" + port,
		LogFormat:               envOrDefault("LOG_FORMAT", "json"),
		DatabaseURL:             databaseURL(),
		SQLitePath:              os.Getenv("SQLITE_PATH"),
		RedisAddr:               redisAddr(),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 envOrDefaultInt("REDIS_DB", 0),
		RolloutQueueName:        envOrDefault("ROLLOUT_QUEUE_NAME", "rollout-jobs"),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		DownloadTokenSecret:     downloadTokenSecret(),
		DownloadTokenTTLSeconds: envOrDefaultInt("DOWNLOAD_TOKEN_TTL_SECONDS", 300),
		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),
		RequestTimeoutSeconds:   envOrDefaultInt("REQUEST_TIMEOUT_SECONDS", 60),

		MetricsSource:  strings.ToLower(envOrDefault("METRICS_SOURCE", MetricsSourcePostgres)),
		InfluxURL:      envOrDefault("INFLUXDB_URL", "http://localhost:8086"),
		InfluxToken:    os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:      envOrDefault("INFLUXDB_ORG", "lp-validation"),
		InfluxBucket:   envOrDefault("INFLUXDB_BUCKET", "lp_metrics"),
		InfluxLookback: envOrDefaultInt("INFLUXDB_LOOKBACK_DAYS", 400),

		S3Region:            envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3AccessKey:         envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:            envOrDefault("S3_BUCKET", ""),
		ReportRetentionDays: envOrDefaultInt("REPORT_RETENTION_DAYS", 0),
		ReportPDFFont:       os.Getenv("REPORT_PDF_FONT"),

		ReportSchedulesFile: os.Getenv("REPORT_SCHEDULES_FILE"),
		ScheduleConcurrency: envOrDefaultInt("SCHEDULE_CONCURRENCY", 4),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            envOrDefaultInt("SMTP_PORT", 587),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:            os.Getenv("SMTP_FROM"),

		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		GitHubOwner:       envOrDefault("GITHUB_OWNER", "Unson-LLC"),
		GitHubRepo:        envOrDefault("GITHUB_REPO", "unson_os"),
		GitHubAPIURL:      envOrDefault("GITHUB_API_URL", "https://api.github.com"),
		GitHubBaseBranch:  envOrDefault("GITHUB_BASE_BRANCH", "main"),
		RolloutMaxRetries: envOrDefaultInt("ROLLOUT_MAX_RETRIES", 3),

		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookAuthHeader: os.Getenv("WEBHOOK_AUTH_HEADER"),

		Alerts: model.AlertConfig{
			CVRThreshold:    envOrDefaultFloat("ALERT_CVR_THRESHOLD", 0),
			CPAThreshold:    envOrDefaultFloat("ALERT_CPA_THRESHOLD", 0),
			SessionsMinimum: int64(envOrDefaultInt("ALERT_SESSIONS_MINIMUM", 0)),
		},
		AlertSweepCron:       os.Getenv("ALERT_SWEEP_CRON"),
		AlertCooldownMinutes: envOrDefaultInt("ALERT_COOLDOWN_MINUTES", 60),
	}
}

// ApplyFile overlays the keys present in a TOML file. A missing file is not
// an error.
func (c *Config) ApplyFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

type scheduleFile struct {
	Schedules []model.ScheduleConfig `yaml:"schedules"`
}

// LoadSchedules reads a YAML schedule file and validates every entry.
func LoadSchedules(path string) ([]model.ScheduleConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}

	var file scheduleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse schedules %s: %w", path, err)
	}
	for i, schedule := range file.Schedules {
		if err := schedule.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d (%s): %w", i, schedule.Name, err)
		}
	}
	return file.Schedules, nil
}

func downloadTokenSecret() string {
	if value := strings.TrimSpace(os.Getenv("DOWNLOAD_TOKEN_SECRET")); value != "" {
		return value
	}
	if value := strings.TrimSpace(os.Getenv("ADMIN_API_KEY")); value != "" {
		return value
	}
	return ""
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "lpvalidation")
	password := envOrDefault("POSTGRES_PASSWORD", "lpvalidation")
	database := envOrDefault("POSTGRES_DB", "lpvalidation")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func redisAddr() string {
	if value := os.Getenv("REDIS_ADDR"); value != "" {
		return value
	}
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
