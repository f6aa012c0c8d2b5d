package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	UploadBucket    string
	UploadPrefix    string
	SSEKMSKeyID     string

	ImportClient    string
	DatastoreID     string
	ImportRoleARN   string
	OutputPrefix    string
	WorkflowTrigger string
	StateMachineARN string
	SQSQueueURL     string
	WorkerPoolSize  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:             env,
		DatabaseURL:     dbURL,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		UploadBucket:    getEnv("UPLOAD_BUCKET", ""),
		UploadPrefix:    getEnv("UPLOAD_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		ImportClient:    normalizeImportClient(getEnv("IMPORT_CLIENT", "local")),
		DatastoreID:     getEnv("HEALTHIMAGING_DATASTORE_ID", ""),
		ImportRoleARN:   getEnv("HEALTHIMAGING_ROLE_ARN", ""),
		OutputPrefix:    getEnv("IMPORT_OUTPUT_PREFIX", "import-output"),
		WorkflowTrigger: normalizeWorkflowTrigger(getEnv("WORKFLOW_TRIGGER", "none")),
		StateMachineARN: getEnv("STATE_MACHINE_ARN", ""),
		SQSQueueURL:     getEnv("SQS_QUEUE_URL", ""),
		WorkerPoolSize:  getEnvInt("WORKER_POOL_SIZE", 4),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeImportClient(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "healthimaging", "aws":
		return "healthimaging"
	default:
		return "local"
	}
}

func normalizeWorkflowTrigger(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stepfunctions", "sfn":
		return "stepfunctions"
	case "queue", "sqs":
		return "queue"
	default:
		return "none"
	}
}
