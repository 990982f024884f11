// Package config loads the kernel's environment-variable configuration.
// There is no external config library — the teacher carries none either,
// and a flat struct populated by os.Getenv is enough surface for the
// knobs below.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the kernel's runtime configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// RequireKMS, when true, refuses to start with a LocalGateway signer
	// — production deployments must point at a real KMS/HSM-backed
	// signing proxy.
	RequireKMS          bool
	RequireSigningProxy bool
	RequireMTLS         bool
	SigningGatewayURL   string

	PolicyBackend string // "local" | "opa"
	OPAURL        string

	IdempotencyTTL               time.Duration
	IdempotencyResponseBodyLimit int

	MultisigRequired            int
	EmergencyRatificationWindow time.Duration

	PublishMaxAttempts int

	AuditSamplingPolicy string

	OTELEnabled     bool
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRate  float64
	OTELEnvironment string
}

// Load reads configuration from the environment, filling in the
// kernel's defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		RequireKMS:          getenvBool("REQUIRE_KMS", false),
		RequireSigningProxy: getenvBool("REQUIRE_SIGNING_PROXY", false),
		RequireMTLS:         getenvBool("REQUIRE_MTLS", false),
		SigningGatewayURL:   getenv("SIGNING_GATEWAY_URL", ""),

		PolicyBackend: getenv("POLICY_BACKEND", "local"),
		OPAURL:        getenv("OPA_URL", ""),

		IdempotencyTTL:               getenvDurationSeconds("IDEMPOTENCY_TTL_SECONDS", 86400),
		IdempotencyResponseBodyLimit: getenvInt("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20),

		MultisigRequired:            getenvInt("MULTISIG_REQUIRED", 3),
		EmergencyRatificationWindow: getenvDurationSeconds("EMERGENCY_RATIFICATION_WINDOW_SECONDS", 172800),

		PublishMaxAttempts: getenvInt("PUBLISH_MAX_ATTEMPTS", 10),

		AuditSamplingPolicy: getenv("AUDIT_SAMPLING_POLICY", ""),

		OTELEnabled:     getenvBool("OTEL_ENABLED", false),
		OTELEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELInsecure:    getenvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELSampleRate:  getenvFloat("OTEL_SAMPLE_RATE", 1.0),
		OTELEnvironment: getenv("ENVIRONMENT", "development"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDurationSeconds(key string, defSeconds int) time.Duration {
	n := getenvInt(key, defSeconds)
	return time.Duration(n) * time.Second
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
