package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	// DefaultConfigPath is used when no -config flag is given.
	DefaultConfigPath = "config/config.yml"
)

var environmentAliases = map[string]string{
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"dev":   environmentDevelopment,
	"local": environmentDevelopment,
}

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// AppEnvironment returns APP_ENV normalised through the alias table, defaulting
// to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the environment specific
// one. An explicitly chosen path is left alone.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}

	if envPath, ok := envPaths[AppEnvironment()]; ok {
		if path == defaultPath || path == envPath {
			return envPath
		}
	}

	return path
}
