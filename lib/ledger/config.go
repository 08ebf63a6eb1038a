package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// MaxConcurrency is the largest packet pool a single client may request.
const MaxConcurrency = 8192

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// Config holds all parameters needed to open a client.
type Config struct {
	// ClusterID identifies the ledger cluster, the engine rejects replies from others
	ClusterID engine.Uint128

	// Addresses of the cluster replicas, each "port" or "host:port"
	Addresses []string

	// ConcurrencyMax is the packet pool capacity (max in-flight requests)
	ConcurrencyMax uint32

	// DrainTimeout bounds how long Close waits for in-flight packets before it
	// asks the engine to fail the rest. Zero waits forever.
	DrainTimeout time.Duration

	// Logging configuration
	LogLevel string
}

// ParseAddresses splits a comma separated address list, dropping blanks.
func ParseAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks the configuration without contacting the engine.
func (c *Config) Validate() error {
	if c.ConcurrencyMax == 0 {
		return fmt.Errorf("concurrency max must be positive")
	}
	if c.ConcurrencyMax > MaxConcurrency {
		return fmt.Errorf("concurrency max %d exceeds %d", c.ConcurrencyMax, MaxConcurrency)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain timeout must not be negative")
	}
	if _, err := engine.NormalizeAddresses(c.Addresses); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Cluster")
	addField("Cluster ID", c.ClusterID.String())
	addField("Addresses", strings.Join(c.Addresses, ", "))

	addSection("Client")
	addField("Concurrency Max", fmt.Sprintf("%d", c.ConcurrencyMax))
	if c.DrainTimeout > 0 {
		addField("Drain Timeout", c.DrainTimeout.String())
	} else {
		addField("Drain Timeout", "unbounded")
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
