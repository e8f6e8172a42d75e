package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Build-time variables populated via -ldflags
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// clamdVersionString is the fixed reply to the VERSION command. It follows
// the engine/db-version/db-date shape real clamd emits so that clients which
// parse the version line accept it.
const clamdVersionString = "ClamAV 0.105.1/26962/Mon Jul 10 09:33:31 2023"

// Config holds the application configuration
type Config struct {
	Debug          bool
	Host           string
	Port           string
	MaxStreamSize  int64
	MaxConnections int
	AdminPort      string
	EnableAdmin    bool
}

// getEnvWithDefault gets an environment variable or returns the default value
func getEnvWithDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBoolWithDefault gets a boolean environment variable or returns the default value
func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		fmt.Fprintf(os.Stderr, "WARNING: invalid value %q for env var %s: %v; using default %v\n", value, key, err, defaultValue)
	}
	return defaultValue
}

// getEnvInt64WithDefault gets an int64 environment variable or returns the default value
func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
		fmt.Fprintf(os.Stderr, "WARNING: invalid value %q for env var %s: %v; using default %d\n", value, key, err, defaultValue)
	}
	return defaultValue
}

var config = Config{
	Debug:          false,
	Host:           "0.0.0.0",
	Port:           "3310", // clamd's registered port
	MaxStreamSize:  102400, // 100 KiB
	MaxConnections: 256,
	AdminPort:      "3311",
	EnableAdmin:    true,
}

func parseConfig() {
	// Command line flags
	debug := flag.Bool("debug", config.Debug, "Enable debug mode")
	host := flag.String("host", config.Host, "Host to listen on")
	port := flag.String("port", config.Port, "Port to speak the clamd protocol on")
	maxStream := flag.Int64("max-stream-size", config.MaxStreamSize, "Maximum aggregate INSTREAM payload in bytes")
	maxConns := flag.Int("max-connections", config.MaxConnections, "Maximum concurrent client connections")
	adminPort := flag.String("admin-port", config.AdminPort, "Admin HTTP server port (metrics, health)")
	enableAdmin := flag.Bool("enable-admin", config.EnableAdmin, "Enable admin HTTP server")

	// Parse flags
	flag.Parse()

	// Update config with environment variables or flags
	config.Debug = getEnvBoolWithDefault("CLAMAV_MOCK_DEBUG", *debug)
	config.Host = getEnvWithDefault("CLAMAV_MOCK_HOST", *host)
	config.Port = getEnvWithDefault("CLAMAV_MOCK_PORT", *port)
	config.MaxStreamSize = getEnvInt64WithDefault("CLAMAV_MOCK_MAX_STREAM_SIZE", *maxStream)
	config.MaxConnections = int(getEnvInt64WithDefault("CLAMAV_MOCK_MAX_CONNECTIONS", int64(*maxConns)))
	config.AdminPort = getEnvWithDefault("CLAMAV_MOCK_ADMIN_PORT", *adminPort)
	config.EnableAdmin = getEnvBoolWithDefault("CLAMAV_MOCK_ENABLE_ADMIN", *enableAdmin)

	config.Port = normalizePort(config.Port)

	// Validate configuration values
	if config.MaxStreamSize <= 0 {
		fmt.Fprintf(os.Stderr, "FATAL: max stream size must be > 0, got %d\n", config.MaxStreamSize)
		os.Exit(1)
	}
	if config.MaxConnections <= 0 {
		fmt.Fprintf(os.Stderr, "FATAL: max connections must be > 0, got %d\n", config.MaxConnections)
		os.Exit(1)
	}
	if adminPortNum, err := strconv.Atoi(config.AdminPort); err != nil || adminPortNum < 1 || adminPortNum > 65535 {
		fmt.Fprintf(os.Stderr, "FATAL: admin port must be a valid TCP port (1-65535), got %q\n", config.AdminPort)
		os.Exit(1)
	}

	// Set Gin mode based on environment variables
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else if os.Getenv("ENV") == "production" && !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize logger
	env := "development"
	if os.Getenv("ENV") == "production" {
		env = "production"
	}
	if err := InitLogger(config.Debug, env); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Log configuration
	logger := GetLogger()
	logger.Info("Configuration loaded",
		zap.String("version", Version),
		zap.String("commit", CommitHash),
		zap.Bool("debug", config.Debug),
		zap.String("clamd_address", fmt.Sprintf("%s:%s", config.Host, config.Port)),
		zap.Int64("max_stream_size", config.MaxStreamSize),
		zap.Int("max_connections", config.MaxConnections),
		zap.Bool("admin_enabled", config.EnableAdmin),
		zap.String("admin_address", fmt.Sprintf("%s:%s", config.Host, config.AdminPort)),
		zap.String("gin_mode", gin.Mode()),
	)
}

// normalizePort falls back to clamd's default port instead of refusing to
// start: this server usually runs inside test harnesses that pass the port
// straight through from their own environment, unvalidated.
func normalizePort(port string) string {
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		fmt.Fprintf(os.Stderr, "WARNING: invalid port %q, falling back to 3310\n", port)
		return "3310"
	}
	return port
}

// selfClient holds the reusable clamd client used to probe our own listener
var (
	selfClient *clamd.Clamd
	selfOnce   sync.Once
	selfMu     sync.Mutex
)

// initSelfClient creates the clamd client pointed at our own TCP listener
func initSelfClient() {
	selfClient = clamd.NewClamd(fmt.Sprintf("tcp://127.0.0.1:%s", config.Port))
}

// getSelfClient returns the shared clamd client instance.
// It does NOT ping on every call; use pingSelf() for health checks.
// Safe for concurrent use from multiple goroutines.
func getSelfClient() *clamd.Clamd {
	selfMu.Lock()
	defer selfMu.Unlock()
	selfOnce.Do(initSelfClient)
	return selfClient
}

// resetSelfClient resets the client so the next getSelfClient call
// re-initializes it. Intended for tests that need to swap the port.
func resetSelfClient() {
	selfMu.Lock()
	defer selfMu.Unlock()
	selfClient = nil
	selfOnce = sync.Once{}
}

// pingSelf checks that the protocol listener answers a real clamd client
func pingSelf() error {
	return getSelfClient().Ping()
}
