// Package config loads per-component configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries settings shared by every fieldq process.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"fieldq"`
	TraceURL    string `env:"TRACE_URL"`
	CacheType   string `env:"CACHE_TYPE" envDefault:"freecache"`
	QueueType   string `env:"QUEUE_TYPE" envDefault:"none"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL,notEmpty"`
}

type MinioConfig struct {
	URL       string `env:"MINIO_URL,notEmpty"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"fieldq-projects"`
	AccessKey string `env:"MINIO_ACCESS_KEY,notEmpty"`
	SecretKey string `env:"MINIO_SECRET_KEY,notEmpty"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ENDPOINT,notEmpty"`
	Password string `env:"REDIS_CLIENT_PASSWORD"`
}

type FreecacheConfig struct {
	SizeBytes int `env:"FREECACHE_SIZE" envDefault:"33554432"`
}

type NatsConfig struct {
	URL    string `env:"JETSTREAM_URL,notEmpty"`
	Stream string `env:"JETSTREAM_STREAM" envDefault:"FIELDQ_JOBS"`
}

// DequeueConfig drives the dequeue loop and the worker launch adapter.
type DequeueConfig struct {
	PollInterval  time.Duration `env:"DEQUEUE_POLL_INTERVAL" envDefault:"5s"`
	LauncherType  string        `env:"LAUNCHER_TYPE" envDefault:"docker"`
	WorkerImage   string        `env:"WORKER_IMAGE" envDefault:"fieldq-worker"`
	WorkerTimeout time.Duration `env:"WORKER_TIMEOUT" envDefault:"10m"`
	// CPU quota per 100ms period; 100000 equals one full core.
	WorkerCPUQuota    int64  `env:"WORKER_CPU_QUOTA" envDefault:"100000"`
	WorkerMemoryBytes int64  `env:"WORKER_MEMORY_LIMIT" envDefault:"1073741824"`
	WorkerNetwork     string `env:"WORKER_NETWORK"`
	SeccompProfile    string `env:"WORKER_SECCOMP_PROFILE"`
	SharedTmpDir      string `env:"SHARED_TMP_DIR" envDefault:"/tmp"`
	// Deployment name, surfaced to workers as ENVIRONMENT.
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	// Base URL the worker containers use to reach the API.
	WorkerAPIURL string `env:"WORKER_API_URL" envDefault:"http://fieldq-server:8080"`
	// Deltas per apply job; pending deltas beyond the limit get further jobs.
	ApplyDeltasLimit int `env:"APPLY_DELTAS_LIMIT" envDefault:"1000"`
}

// WorkerConfig is read inside the worker container from the environment the
// dequeue side injected.
type WorkerConfig struct {
	JobID           string `env:"JOB_ID,notEmpty"`
	ProjectID       string `env:"PROJECT_ID,notEmpty"`
	ProjectFilename string `env:"PROJECT_FILENAME"`
	APIURL          string `env:"FIELDQ_URL"`
	Token           string `env:"FIELDQ_TOKEN"`
	IODir           string `env:"IO_DIR" envDefault:"/io"`
}

func load[T any](what string) (*T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("loading %s config: %w", what, err)
	}
	return &cfg, nil
}

func Get() (*Config, error)                   { return load[Config]("service") }
func GetPostgres() (*PostgresConfig, error)   { return load[PostgresConfig]("postgres") }
func GetMinio() (*MinioConfig, error)         { return load[MinioConfig]("minio") }
func GetRedis() (*RedisConfig, error)         { return load[RedisConfig]("redis") }
func GetFreecache() (*FreecacheConfig, error) { return load[FreecacheConfig]("freecache") }
func GetNats() (*NatsConfig, error)           { return load[NatsConfig]("nats") }
func GetDequeue() (*DequeueConfig, error)     { return load[DequeueConfig]("dequeue") }
func GetWorker() (*WorkerConfig, error)       { return load[WorkerConfig]("worker") }
