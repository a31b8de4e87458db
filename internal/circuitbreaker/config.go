package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// RedisBreakerConfig returns the shared-store breaker thresholds, overridable
// per deployment through CB_REDIS_* environment variables.
func RedisBreakerConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseBreakerConfig returns the message-store breaker thresholds,
// overridable through CB_DB_* environment variables.
func DatabaseBreakerConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// ProviderBreakerConfig returns the provider HTTP breaker thresholds,
// overridable through CB_PROVIDER_* environment variables. Providers get a
// higher failure threshold than the stores: transient 5xx bursts during
// provider incidents are common and user-scoped errors never count.
func ProviderBreakerConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_PROVIDER_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_PROVIDER_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_PROVIDER_TIMEOUT", 20*time.Second),
		FailureThreshold: getEnvUint32("CB_PROVIDER_FAILURE_THRESHOLD", 6),
		SuccessThreshold: getEnvUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 2),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
