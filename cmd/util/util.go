package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/common"
	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/engine/memengine"
	"github.com/ValentinKolb/ledgerbridge/lib/engine/tcpengine"
	"github.com/ValentinKolb/ledgerbridge/lib/ledger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (e.g. LEDGER_ADDRESSES)
	EnvPrefix = "ledger"
)

var Logger = logger.GetLogger("cli")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
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

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// SetupClientFlags adds the engine and client flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	key := "engine"
	cmd.PersistentFlags().String(key, "sim", WrapString("The engine to drive: sim (in-process simulation) or tcp (remote ledger gateway)"))

	key = "cluster-id"
	cmd.PersistentFlags().String(key, "0", WrapString("The cluster id (decimal or 0x prefixed hex)"))

	key = "addresses"
	cmd.PersistentFlags().String(key, "3000", WrapString("Comma-separated list of replica addresses, each port or host:port"))

	key = "concurrency-max"
	cmd.PersistentFlags().Uint32(key, 256, WrapString("Maximum number of requests in flight (packet pool size)"))

	key = "drain-timeout"
	cmd.PersistentFlags().Duration(key, 10*time.Second, WrapString("How long closing waits for in-flight requests before they are failed (0 waits forever)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "sim-latency"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Simulated engine latency per request (only for sim)"))

	key = "sim-workers"
	cmd.PersistentFlags().Int(key, 4, WrapString("Number of simulated engine callback goroutines (only for sim)"))

	key = "tcp-conn-per-address"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per replica address (only for tcp)"))

	key = "tcp-dial-timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Timeout for establishing a connection (only for tcp)"))

	key = "tcp-write-timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Timeout for writing one request (only for tcp)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Duration(key, 0, WrapString("The keepalive interval (only for tcp, 0 disables it)"))
}

// InitConfig initializes configuration from .env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() (ledger.Config, error) {
	clusterID, err := engine.ParseUint128(viper.GetString("cluster-id"))
	if err != nil {
		return ledger.Config{}, fmt.Errorf("invalid cluster id: %w", err)
	}

	return ledger.Config{
		ClusterID:      clusterID,
		Addresses:      ledger.ParseAddresses(viper.GetString("addresses")),
		ConcurrencyMax: viper.GetUint32("concurrency-max"),
		DrainTimeout:   viper.GetDuration("drain-timeout"),
		LogLevel:       viper.GetString("log-level"),
	}, nil
}

// GetEngine creates the engine selected by the configuration
func GetEngine() (engine.IEngine, error) {
	switch viper.GetString("engine") {
	case "sim":
		return memengine.New(memengine.Options{
			Workers: viper.GetInt("sim-workers"),
			Latency: viper.GetDuration("sim-latency"),
		}), nil
	case "tcp":
		return tcpengine.New(tcpengine.Options{
			ConnectionsPerAddress: viper.GetInt("tcp-conn-per-address"),
			DialTimeout:           viper.GetDuration("tcp-dial-timeout"),
			WriteTimeout:          viper.GetDuration("tcp-write-timeout"),
			TCPNoDelay:            viper.GetBool("tcp-nodelay"),
			KeepAlive:             viper.GetDuration("tcp-keepalive"),
		}), nil
	default:
		return nil, fmt.Errorf("invalid engine %s", viper.GetString("engine"))
	}
}

// OpenClient sets up logging and opens a client with the configured engine
func OpenClient() (*ledger.Client, error) {
	config, err := GetClientConfig()
	if err != nil {
		return nil, err
	}
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return nil, err
	}

	eng, err := GetEngine()
	if err != nil {
		return nil, err
	}

	Logger.Debugf("opening client with configuration:%s", config.String())
	return ledger.Open(config, eng)
}

// --------------------------------------------------------------------------
// Request helper
// --------------------------------------------------------------------------

// NewID returns a random record id
func NewID() engine.Uint128 {
	var id engine.Uint128
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// SubmitWithRetry submits a request and retries with exponential backoff while
// the client is overloaded. maxWait bounds the total retry time.
func SubmitWithRetry(ctx context.Context, client *ledger.Client, op engine.Operation, request []byte, maxWait time.Duration) (*ledger.PendingResult, int, error) {
	var pending *ledger.PendingResult
	retries := -1

	submit := func() error {
		retries++
		p, err := client.Submit(op, request)
		if err != nil {
			if ledger.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		pending = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Microsecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = maxWait

	if err := backoff.Retry(submit, backoff.WithContext(b, ctx)); err != nil {
		return nil, retries, err
	}
	return pending, retries, nil
}

// Do submits a request with retries and waits for its reply
func Do(ctx context.Context, client *ledger.Client, op engine.Operation, request []byte) ([]byte, error) {
	pending, _, err := SubmitWithRetry(ctx, client, op, request, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}
