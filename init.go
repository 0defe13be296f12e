package vela

import (
	"os"
	"strconv"

	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// Defaults for the environment-driven logger.
const (
	defaultLogLevel      = "debug"
	defaultLogTimeLayout = "2006-01-02 15:04:05"
	defaultLogColored    = "true"
	defaultLogJSON       = "false"
)

// Environment variable names.
const (
	envLogLevel      = "VELA_LOG_LEVEL"
	envLogTimeLayout = "VELA_LOG_TIME_LAYOUT"
	envLogColored    = "VELA_LOG_COLORED"
	envLogJSON       = "VELA_LOG_JSON"
)

func init() {
	log, err := initLogger()
	if err != nil {
		panic(err)
	}
	DefaultLog = log
}

// initLogger creates the default logger from environment variables.
func initLogger() (*zerologger.Adapter, error) {
	level := getEnvWithDefault(envLogLevel, defaultLogLevel)
	timeLayout := getEnvWithDefault(envLogTimeLayout, defaultLogTimeLayout)

	colored, err := parseBoolEnv(envLogColored, defaultLogColored)
	if err != nil {
		return nil, err
	}
	jsonFormat, err := parseBoolEnv(envLogJSON, defaultLogJSON)
	if err != nil {
		return nil, err
	}

	return zerologger.New(level, timeLayout, colored, jsonFormat)
}

// getEnvWithDefault returns the environment value or the default when unset.
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parseBoolEnv reads a boolean environment variable with a default.
func parseBoolEnv(key, defaultValue string) (bool, error) {
	value := getEnvWithDefault(key, defaultValue)
	return strconv.ParseBool(value)
}
