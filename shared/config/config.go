package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RuleCacheTTLSec int

	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	QueueMaxRetry     int
	PublishTimeoutMS  int
	ActionTimeoutMS   int
	DeadLetterScanSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int
	KafkaEnabled  bool

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int
	InfluxEnabled   bool

	MessagingAPIURL    string
	MessagingAPIToken  string
	MessagingTimeoutMS int
	MessagingRetryMax  int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:        serviceNameDefault,
		HTTPPort:           httpPortDefault,
		LogLevel:           "info",
		RequestTimeoutMS:   30000,
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:         10,
		DBMinConns:         1,
		DBConnMaxIdleSec:   300,
		DBConnMaxLifeSec:   1800,
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            0,
		RuleCacheTTLSec:    30,
		AsynqRedisAddr:     strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:     os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqRedisDB:       0,
		AsynqQueue:         "automation",
		AsynqConcurrency:   5,
		QueueMaxRetry:      8,
		PublishTimeoutMS:   2000,
		ActionTimeoutMS:    10000,
		DeadLetterScanSec:  60,
		KafkaBrokers:       parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID:      strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaRetryMax:      5,
		KafkaWriteMS:       5000,
		KafkaEnabled:       false,
		InfluxURL:          strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:        strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:          strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:       strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS:    5000,
		InfluxEnabled:      false,
		MessagingAPIURL:    strings.TrimSpace(os.Getenv("MESSAGING_API_URL")),
		MessagingAPIToken:  strings.TrimSpace(os.Getenv("MESSAGING_API_TOKEN")),
		MessagingTimeoutMS: 5000,
		MessagingRetryMax:  2,
		OtelEnabled:        false,
		OtelEndpoint:       strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}

	problems := make([]Problem, 0, 4)
	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFE_SECONDS", Message: "DB_CONN_MAX_LIFE_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.RuleCacheTTLSec <= 0 {
		problems = append(problems, Problem{Field: "RULE_CACHE_TTL_SECONDS", Message: "RULE_CACHE_TTL_SECONDS must be > 0"})
		cfg.RuleCacheTTLSec = 30
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 5
	}
	if cfg.QueueMaxRetry <= 0 {
		problems = append(problems, Problem{Field: "QUEUE_MAX_RETRY", Message: "QUEUE_MAX_RETRY must be > 0"})
		cfg.QueueMaxRetry = 8
	}
	if cfg.PublishTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "PUBLISH_TIMEOUT_MS", Message: "PUBLISH_TIMEOUT_MS must be > 0"})
		cfg.PublishTimeoutMS = 2000
	}
	if cfg.ActionTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "ACTION_TIMEOUT_MS", Message: "ACTION_TIMEOUT_MS must be > 0"})
		cfg.ActionTimeoutMS = 10000
	}
	if cfg.DeadLetterScanSec <= 0 {
		problems = append(problems, Problem{Field: "DEAD_LETTER_SCAN_SECONDS", Message: "DEAD_LETTER_SCAN_SECONDS must be > 0"})
		cfg.DeadLetterScanSec = 60
	}
	if cfg.KafkaRetryMax <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be > 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.MessagingTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "MESSAGING_TIMEOUT_MS", Message: "MESSAGING_TIMEOUT_MS must be > 0"})
		cfg.MessagingTimeoutMS = 5000
	}
	if cfg.MessagingRetryMax < 0 {
		problems = append(problems, Problem{Field: "MESSAGING_RETRY_MAX", Message: "MESSAGING_RETRY_MAX must be >= 0"})
		cfg.MessagingRetryMax = 2
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be in [0,1]"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	applyInt(cfg, problems, "HTTP_PORT", &cfg.HTTPPort)
	applyInt(cfg, problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	applyInt(cfg, problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	applyInt(cfg, problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	applyInt(cfg, problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	applyInt(cfg, problems, "DB_CONN_MAX_LIFE_SECONDS", &cfg.DBConnMaxLifeSec)
	applyInt(cfg, problems, "REDIS_DB", &cfg.RedisDB)
	applyInt(cfg, problems, "RULE_CACHE_TTL_SECONDS", &cfg.RuleCacheTTLSec)
	applyInt(cfg, problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	applyInt(cfg, problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	applyInt(cfg, problems, "QUEUE_MAX_RETRY", &cfg.QueueMaxRetry)
	applyInt(cfg, problems, "PUBLISH_TIMEOUT_MS", &cfg.PublishTimeoutMS)
	applyInt(cfg, problems, "ACTION_TIMEOUT_MS", &cfg.ActionTimeoutMS)
	applyInt(cfg, problems, "DEAD_LETTER_SCAN_SECONDS", &cfg.DeadLetterScanSec)
	applyInt(cfg, problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	applyInt(cfg, problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	applyInt(cfg, problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)
	applyInt(cfg, problems, "MESSAGING_TIMEOUT_MS", &cfg.MessagingTimeoutMS)
	applyInt(cfg, problems, "MESSAGING_RETRY_MAX", &cfg.MessagingRetryMax)
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	applyBool(cfg, problems, "KAFKA_ENABLED", &cfg.KafkaEnabled)
	applyBool(cfg, problems, "INFLUX_ENABLED", &cfg.InfluxEnabled)
	applyBool(cfg, problems, "OTEL_ENABLED", &cfg.OtelEnabled)
	applyBool(cfg, problems, "OTEL_INSECURE", &cfg.OtelInsecure)
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyInt(cfg *Config, problems *[]Problem, field string, dst *int) {
	v := strings.TrimSpace(os.Getenv(field))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyBool(cfg *Config, problems *[]Problem, field string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(field))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		return
	}
	*dst = b
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
