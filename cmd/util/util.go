package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/seal"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/http"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupConnectionFlags adds the keychain and client flags to a command
func SetupConnectionFlags(cmd *cobra.Command) {
	key := "passkey"
	cmd.PersistentFlags().String(key, "", WrapString("Passkey the keychain master key is derived from (better set DSYNC_PASSKEY)"))

	key = "salt"
	cmd.PersistentFlags().String(key, "", WrapString("Salt of the key derivation, usually the user id"))

	key = "kdf-time"
	cmd.PersistentFlags().Uint32(key, seal.DefaultKDFParams().Time, WrapString("argon2id time cost"))

	key = "kdf-memory"
	cmd.PersistentFlags().Uint32(key, seal.DefaultKDFParams().MemoryKiB, WrapString("argon2id memory cost in KiB"))

	key = "kdf-threads"
	cmd.PersistentFlags().Uint8(key, seal.DefaultKDFParams().Threads, WrapString("argon2id parallelism"))

	key = "flush-delay"
	cmd.PersistentFlags().Duration(key, 10*time.Millisecond, WrapString("Time keychain changes are collected before they are sent to the server"))

	key = "cache-size"
	cmd.PersistentFlags().Int64(key, 1<<20, WrapString("Max. number of decrypted keychain bytes kept in memory (0 disables the cache)"))

	key = "endpoints"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of server endpoints (e.g. https://chat.example.com/api). Empty means offline"))

	key = "token"
	cmd.PersistentFlags().String(key, "", WrapString("Bearer token sent with every request (better set DSYNC_TOKEN)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a request"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry a request"))

	key = "concurrency"
	cmd.PersistentFlags().Int(key, 4, WrapString("Max. number of parallel requests of a batch"))

	key = "poll-interval"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Time between two pings to the server (0 disables polling)"))

	key = "serializer"
	cmd.PersistentFlags().String(key, "json", WrapString("serializer to use (json)"))

	key = "transport"
	cmd.PersistentFlags().String(key, "http", WrapString("transport to use (http)"))
}

// InitConfig loads .env files and binds environment variables with the DSYNC_ prefix
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// GetConfig reads the connection configuration from viper
func GetConfig() conn.Config {
	cfg := conn.DefaultConfig()

	cfg.Keychain.Passkey = []byte(viper.GetString("passkey"))
	cfg.Keychain.Salt = []byte(viper.GetString("salt"))
	cfg.Keychain.KDF = seal.KDFParams{
		Time:      viper.GetUint32("kdf-time"),
		MemoryKiB: viper.GetUint32("kdf-memory"),
		Threads:   uint8(viper.GetUint("kdf-threads")),
	}
	cfg.Keychain.FlushDelay = viper.GetDuration("flush-delay")
	cfg.Keychain.CacheSize = viper.GetInt64("cache-size")

	cfg.Client.Endpoints = nil
	for _, endpoint := range strings.Split(viper.GetString("endpoints"), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cfg.Client.Endpoints = append(cfg.Client.Endpoints, endpoint)
		}
	}
	cfg.Client.AuthToken = viper.GetString("token")
	cfg.Client.TimeoutSecond = viper.GetInt("timeout")
	cfg.Client.RetryCount = viper.GetInt("retries")
	cfg.Client.Concurrency = viper.GetInt("concurrency")

	cfg.PollInterval = viper.GetDuration("poll-interval")
	return cfg
}

// GetSerializer creates the serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransport creates the transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// InitLogging sets the level of all dSync loggers from the log-level flag
func InitLogging() error {
	return logging.Init(viper.GetString("log-level"))
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
