// Package config defines the default configuration and binds to environment variables
package config

import (
	"strings"

	"github.com/flashbots/rollup-boost/common"
	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultL2URL             = "http://localhost:8551"
	DefaultBuilderURL        = "http://localhost:8552"
	DefaultListenAddr        = "localhost:8081"
	DefaultMetricsAddr       = "localhost:9090"
	DefaultRedisURI          = ""
	DefaultPostgresDSN       = ""
	DefaultOTLPEndpoint      = ""
	DefaultLogJSON           = false
	DefaultLogLevel          = "info"
	DefaultEngineTimeoutMs   = 1000
	DefaultBuilderTimeoutMs  = 200
	DefaultFailureThreshold  = 3
	DefaultRecoveryThreshold = 2
	DefaultProbeInterval     = 10
	DefaultPayloadCacheSize  = 100
	DefaultStartupCheckMs    = 30_000
	DefaultDBTablePrefix     = "dev"

	DefaultPayloadContextMaxAgeMs = 0
	DefaultStalePayloadPolicy     = "local"

	// Local execution engine
	L2URL           = "L2URL"
	L2HTTPURL       = "L2HTTPURL"
	L2JWTSecret     = "L2JWTSecret"
	L2JWTSecretPath = "L2JWTSecretPath"
	L2TimeoutMs     = "L2TimeoutMs"

	// Builder execution engine
	BuilderURL           = "BuilderURL"
	BuilderHTTPURL       = "BuilderHTTPURL"
	BuilderJWTSecret     = "BuilderJWTSecret"
	BuilderJWTSecretPath = "BuilderJWTSecretPath"
	BuilderTimeoutMs     = "BuilderTimeoutMs"

	// Proxy front end
	ListenAddr     = "ListenAddr"
	JWTSecret      = "JWTSecret"
	JWTSecretPath  = "JWTSecretPath"
	EnableAdminAPI = "EnableAdminAPI"
	PprofEnabled   = "PprofEnabled"

	// Builder health
	BuilderFailureThreshold  = "BuilderFailureThreshold"
	BuilderRecoveryThreshold = "BuilderRecoveryThreshold"
	BuilderProbeInterval     = "BuilderProbeInterval"

	// Dispatcher
	PayloadCacheSize       = "PayloadCacheSize"
	PayloadContextMaxAgeMs = "PayloadContextMaxAgeMs"
	StalePayloadPolicy     = "StalePayloadPolicy"
	BuilderMirrorMethods   = "BuilderMirrorMethods"
	BuilderSyncNewPayload  = "BuilderSyncNewPayload"

	// Observability & persistence
	MetricsAddr    = "MetricsAddr"
	OTLPEndpoint   = "OTLPEndpoint"
	OTLPSampleRate = "OTLPSampleRate"
	RedisURI       = "RedisURI"
	RedisPrefix    = "RedisPrefix"
	PostgresDSN    = "PostgresDSN"
	DBPrintSchema  = "DBPrintSchema"
	DBTablePrefix  = "DBTablePrefix"
	LogJSON        = "LogJSON"
	LogLevel       = "LogLevel"
	StartupCheckMs = "StartupCheckMs"
)

var (
	DefaultBuilderMirrorMethods = []string{}

	configEnvs = make(map[string]string)
)

func init() {
	// Local execution engine
	bindAndSet(L2URL, "L2_URL", DefaultL2URL)
	bindAndSet(L2HTTPURL, "L2_HTTP_URL", "")
	bindAndSet(L2JWTSecret, "L2_JWT_SECRET", "")
	bindAndSet(L2JWTSecretPath, "L2_JWT_SECRET_PATH", "")
	bindAndSet(L2TimeoutMs, "L2_TIMEOUT_MS", DefaultEngineTimeoutMs)

	// Builder execution engine
	bindAndSet(BuilderURL, "BUILDER_URL", DefaultBuilderURL)
	bindAndSet(BuilderHTTPURL, "BUILDER_HTTP_URL", "")
	bindAndSet(BuilderJWTSecret, "BUILDER_JWT_SECRET", "")
	bindAndSet(BuilderJWTSecretPath, "BUILDER_JWT_SECRET_PATH", "")
	bindAndSet(BuilderTimeoutMs, "BUILDER_TIMEOUT_MS", DefaultBuilderTimeoutMs)

	// Proxy front end
	bindAndSet(ListenAddr, "LISTEN_ADDR", DefaultListenAddr)
	bindAndSet(JWTSecret, "JWT_SECRET", "")
	bindAndSet(JWTSecretPath, "JWT_SECRET_PATH", "")
	bindAndSet(EnableAdminAPI, "ENABLE_ADMIN_API", false)
	bindAndSet(PprofEnabled, "PPROF", false)

	// Builder health
	bindAndSet(BuilderFailureThreshold, "BUILDER_FAILURE_THRESHOLD", DefaultFailureThreshold)
	bindAndSet(BuilderRecoveryThreshold, "BUILDER_RECOVERY_THRESHOLD", DefaultRecoveryThreshold)
	bindAndSet(BuilderProbeInterval, "BUILDER_PROBE_INTERVAL", DefaultProbeInterval)

	// Dispatcher
	bindAndSet(PayloadCacheSize, "PAYLOAD_CACHE_SIZE", DefaultPayloadCacheSize)
	bindAndSet(PayloadContextMaxAgeMs, "PAYLOAD_CONTEXT_MAX_AGE_MS", DefaultPayloadContextMaxAgeMs)
	bindAndSet(StalePayloadPolicy, "STALE_PAYLOAD_POLICY", DefaultStalePayloadPolicy)
	bindAndSet(BuilderMirrorMethods, "BUILDER_MIRROR_METHODS", DefaultBuilderMirrorMethods)
	bindAndSet(BuilderSyncNewPayload, "BUILDER_SYNC_NEW_PAYLOAD", false)

	// Observability & persistence
	bindAndSet(MetricsAddr, "METRICS_ADDR", DefaultMetricsAddr)
	bindAndSet(OTLPEndpoint, "OTLP_ENDPOINT", DefaultOTLPEndpoint)
	bindAndSet(OTLPSampleRate, "OTLP_SAMPLE_RATE", 1.0)
	bindAndSet(RedisURI, "REDIS_URI", DefaultRedisURI)
	bindAndSet(RedisPrefix, "REDIS_PREFIX", "rollup-boost")
	bindAndSet(PostgresDSN, "POSTGRES_DSN", DefaultPostgresDSN)
	bindAndSet(DBPrintSchema, "PRINT_SCHEMA", false)
	bindAndSet(DBTablePrefix, "DB_TABLE_PREFIX", DefaultDBTablePrefix)
	bindAndSet(LogJSON, "LOG_JSON", DefaultLogJSON)
	bindAndSet(LogLevel, "LOG_LEVEL", DefaultLogLevel)
	bindAndSet(StartupCheckMs, "STARTUP_CHECK_TIMEOUT_MS", DefaultStartupCheckMs)
}

func bindAndSet(key, envVariable string, defaultValue any) {
	log := common.LogSetup(viper.GetBool("logJSON"), viper.GetString("logLevel"))
	if err := viper.BindEnv(key, envVariable); err != nil {
		log.WithError(err).Fatalf("Failed to BindEnv: %s", envVariable)
	}
	viper.SetDefault(key, defaultValue)
	configEnvs[key] = envVariable
}

// secretEnvs are masked in GetConfig
var secretEnvs = map[string]bool{
	"L2_JWT_SECRET":      true,
	"BUILDER_JWT_SECRET": true,
	"JWT_SECRET":         true,
	"POSTGRES_DSN":       true,
	"REDIS_URI":          true,
}

// GetConfig returns the key/values for the config, with secrets masked
func GetConfig() map[string]string {
	config := make(map[string]string)
	for k, v := range configEnvs {
		value := viper.GetString(k)
		if secretEnvs[v] && value != "" {
			value = "***"
		}
		config[v] = value
	}
	return config
}

// GetInt returns the value associated with the key as an integer.
func GetInt(key string) int { return viper.GetInt(key) }

// GetInt64 returns the value associated with the key as an integer.
func GetInt64(key string) int64 { return viper.GetInt64(key) }

// GetFloat64 returns the value associated with the key as a float64.
func GetFloat64(key string) float64 { return viper.GetFloat64(key) }

// GetString returns the value associated with the key as a string.
func GetString(key string) string { return viper.GetString(key) }

// GetBool returns the value associated with the key as a boolean.
func GetBool(key string) bool { return viper.GetBool(key) }

// GetStringSlice returns the value associated with the key as a slice of strings.
// Comma separated environment values are split and trimmed.
func GetStringSlice(key string) []string {
	values := []string{}
	for _, v := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
	}
	return values
}
