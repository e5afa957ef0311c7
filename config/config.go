// Package config provides environment-variable configuration loading for
// the Projects and Tools services: a small typed sub-config per concern
// (database, broker, tools, filesystem, public-facing URL, auth), built
// once at startup and never re-read afterward.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"picturas.eve.evalgo.org/common"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	return common.GetEnv(ec.buildKey(key), defaultValue)
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	return common.GetEnvInt(ec.buildKey(key), defaultValue)
}

// MustGetInt retrieves a required integer value from environment or panics
func (ec *EnvConfig) MustGetInt(key string) int {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("environment variable %s is not a valid integer: %v", fullKey, err))
	}
	return intValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	return common.GetEnvBool(ec.buildKey(key), defaultValue)
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig contains the bind address and timeouts for a service's Echo
// server.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// LoadServerConfig loads server configuration from environment
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
	}
}

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// LoadDatabaseConfig loads database configuration from environment
func LoadDatabaseConfig(prefix string) DatabaseConfig {
	env := NewEnvConfig(prefix)
	return DatabaseConfig{
		Host:     env.GetString("HOST", "localhost"),
		Port:     env.GetInt("PORT", 5432),
		User:     env.MustGetString("USER"),
		Password: env.MustGetString("PASSWORD"),
		Name:     env.MustGetString("NAME"),
		SSLMode:  env.GetString("SSLMODE", "disable"),
	}
}

// DSN builds the key=value connection string gorm.io/driver/postgres expects.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// BrokerConfig holds the AMQP connection parameters and exchange/queue
// naming the Broker Controller declares.
type BrokerConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Exchange          string
	ResultsQueue      string
	ResultsRoutingKey string
	Prefetch          int
}

// LoadBrokerConfig loads broker configuration from environment
func LoadBrokerConfig(prefix string) BrokerConfig {
	env := NewEnvConfig(prefix)
	return BrokerConfig{
		Host:              env.GetString("HOST", "localhost"),
		Port:              env.GetInt("PORT", 5672),
		User:              env.GetString("USER", "guest"),
		Password:          env.GetString("PASSWORD", "guest"),
		Exchange:          env.GetString("EXCHANGE", "picturas"),
		ResultsQueue:      env.GetString("RESULTS_QUEUE", "results"),
		ResultsRoutingKey: env.GetString("RESULTS_ROUTING_KEY", "results"),
		Prefetch:          env.GetInt("PREFETCH", 8),
	}
}

// URL builds the amqp:// connection string streadway/amqp expects.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.User, b.Password, b.Host, b.Port)
}

// ToolRoute binds a tool's procedure name to the routing key it is
// published/consumed under; the queue name is always the procedure name.
type ToolRoute struct {
	Procedure  string
	RoutingKey string
}

// ToolsConfig is the set of tools this deployment recognizes, parsed from
// a "name:routingKey" CSV knob, plus the log level — the two operational
// knobs that benefit from a config file on top of the environment.
type ToolsConfig struct {
	Routes   []ToolRoute
	LogLevel string
}

// LoadToolsConfig loads the tool routing-key table and log level via viper,
// layering an optional YAML/JSON config file (configFile, ignored if empty
// or missing) under the environment: <prefix>_TOOLS and <prefix>_LOG_LEVEL
// always win over whatever the file sets. Everything
// else in this package stays on the simpler fail-fast EnvConfig path.
func LoadToolsConfig(prefix, configFile string) (ToolsConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return ToolsConfig{}, fmt.Errorf("read tools config file %q: %w", configFile, err)
			}
		}
	}

	raw := v.GetString("tools")
	if raw == "" {
		return ToolsConfig{}, fmt.Errorf("no tool routes configured")
	}

	var routes []ToolRoute
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ToolsConfig{}, fmt.Errorf("malformed tool route %q, expected name:routingKey", pair)
		}
		routes = append(routes, ToolRoute{Procedure: parts[0], RoutingKey: parts[1]})
	}
	if len(routes) == 0 {
		return ToolsConfig{}, fmt.Errorf("no tool routes configured")
	}
	return ToolsConfig{Routes: routes, LogLevel: v.GetString("log_level")}, nil
}

// FilesystemConfig holds the shared image-storage root both services mount.
type FilesystemConfig struct {
	ImageRoot string
}

// LoadFilesystemConfig loads filesystem configuration from environment and
// fails fast if the configured root is not a readable directory.
func LoadFilesystemConfig(prefix string) (FilesystemConfig, error) {
	env := NewEnvConfig(prefix)
	root := env.MustGetString("IMAGE_ROOT")

	info, err := os.Stat(root)
	if err != nil {
		return FilesystemConfig{}, fmt.Errorf("image root %q: %w", root, err)
	}
	if !info.IsDir() {
		return FilesystemConfig{}, fmt.Errorf("image root %q is not a directory", root)
	}
	return FilesystemConfig{ImageRoot: root}, nil
}

// PublicConfig holds the externally-visible URL used to build push
// notification download links.
type PublicConfig struct {
	PublicURL string
}

// LoadPublicConfig loads public-facing configuration from environment
func LoadPublicConfig(prefix string) PublicConfig {
	env := NewEnvConfig(prefix)
	return PublicConfig{
		PublicURL: env.MustGetString("URL"),
	}
}

// AuthConfig holds the path to the RSA public key used to verify access
// tokens. This module never mints tokens, so no private key is configured
// here.
type AuthConfig struct {
	PublicKeyPath string
}

// LoadAuthConfig loads authentication configuration from environment and
// fails fast if the configured key file is not readable.
func LoadAuthConfig(prefix string) (AuthConfig, error) {
	env := NewEnvConfig(prefix)
	path := env.MustGetString("PUBLIC_KEY_PATH")

	if _, err := os.Stat(path); err != nil {
		return AuthConfig{}, fmt.Errorf("auth public key %q: %w", path, err)
	}
	return AuthConfig{PublicKeyPath: path}, nil
}

// CORSConfig contains CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// LoadCORSConfig loads CORS configuration from environment
func LoadCORSConfig(prefix string) CORSConfig {
	env := NewEnvConfig(prefix)
	return CORSConfig{
		AllowedOrigins: env.GetStringSlice("ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods: env.GetStringSlice("ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		AllowedHeaders: env.GetStringSlice("ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-API-Key"}),
		MaxAge:         env.GetDuration("MAX_AGE", 12*time.Hour),
	}
}

// ServiceConfig contains common service identity configuration
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service configuration from environment
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", ""),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequireInt validates that an integer field is within range
func (v *Validator) RequireInt(field string, value, min, max int) {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireURL validates that a string is a valid URL
func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL (http:// or https://)", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// ConfigLoader provides a fluent interface for loading configuration
type ConfigLoader struct {
	prefix     string
	env        *EnvConfig
	configFile string
}

// NewConfigLoader creates a new configuration loader. configFile, if
// non-empty, is layered under the environment for the viper-backed knobs
// (tool routing table, log level) LoadAll loads through LoadToolsConfig.
func NewConfigLoader(prefix, configFile string) *ConfigLoader {
	return &ConfigLoader{
		prefix:     prefix,
		env:        NewEnvConfig(prefix),
		configFile: configFile,
	}
}

// LoadAll loads every sub-config a service needs, in one shot.
func (cl *ConfigLoader) LoadAll() (*AllConfig, error) {
	database := LoadDatabaseConfig(cl.prefix + "_DB")
	broker := LoadBrokerConfig(cl.prefix + "_BROKER")
	tools, err := LoadToolsConfig(cl.prefix, cl.configFile)
	if err != nil {
		return nil, fmt.Errorf("load tools config: %w", err)
	}
	fs, err := LoadFilesystemConfig(cl.prefix)
	if err != nil {
		return nil, fmt.Errorf("load filesystem config: %w", err)
	}
	auth, err := LoadAuthConfig(cl.prefix + "_AUTH")
	if err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}

	config := &AllConfig{
		Server:     LoadServerConfig(cl.prefix),
		Database:   database,
		Broker:     broker,
		Tools:      tools,
		Filesystem: fs,
		Public:     LoadPublicConfig(cl.prefix),
		Service:    LoadServiceConfig(cl.prefix),
		Auth:       auth,
		CORS:       LoadCORSConfig(cl.prefix + "_CORS"),
	}
	// The service log level comes from the viper-backed tools config, so a
	// log_level in the config file applies; <prefix>_LOG_LEVEL still wins.
	config.Service.LogLevel = tools.LogLevel

	if err := cl.validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validate validates the loaded configuration
func (cl *ConfigLoader) validate(config *AllConfig) error {
	validator := NewValidator()

	validator.RequireString("Service.Name", config.Service.Name)
	validator.RequireOneOf("Service.Environment", config.Service.Environment,
		[]string{"development", "staging", "production"})
	validator.RequireOneOf("Service.LogLevel", config.Service.LogLevel,
		[]string{"debug", "info", "warn", "error"})

	validator.RequirePositiveInt("Server.Port", config.Server.Port)
	validator.RequirePositiveInt("Broker.Prefetch", config.Broker.Prefetch)

	return validator.Validate()
}

// AllConfig aggregates every sub-config a service needs.
type AllConfig struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Broker     BrokerConfig
	Tools      ToolsConfig
	Filesystem FilesystemConfig
	Public     PublicConfig
	Service    ServiceConfig
	Auth       AuthConfig
	CORS       CORSConfig
}
