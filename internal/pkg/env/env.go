package env

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// loaded .env first, then the process environment (Docker/tests)
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt parses an integer setting, returning def when unset or invalid.
func GetEnvInt(key string, def int) int {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnvBool parses a boolean setting, returning def when unset or invalid.
func GetEnvBool(key string, def bool) bool {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// SetupEnvFile loads the first .env found. Running without one is allowed so
// containers can be configured purely through the environment.
func SetupEnvFile() bool {
	envFiles := []string{
		".env",
		"../../.env",    // from cmd/finreport
		"../../../.env", // deeper nesting
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return true
		}
	}
	Env = map[string]string{}
	return false
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
