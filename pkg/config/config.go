package config

import (
	"log"
	"os"
	"strconv"
)

// GetString returns the environment variable value, or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses the environment variable as an integer. Unset or malformed
// values yield the fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("config: invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool parses the environment variable as a boolean. Unset or malformed
// values yield the fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("config: invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
