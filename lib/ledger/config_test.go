package ledger

import (
	"testing"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/stretchr/testify/assert"
)

func TestParseAddresses(t *testing.T) {
	assert.Equal(t, []string{"3000", "10.0.0.2:3001"}, ParseAddresses(" 3000, ,10.0.0.2:3001,"))
	assert.Nil(t, ParseAddresses(""))
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Addresses: []string{"3000"}, ConcurrencyMax: 32}
	assert.NoError(t, valid.Validate())

	c := valid
	c.ConcurrencyMax = 0
	assert.Error(t, c.Validate())

	c = valid
	c.DrainTimeout = -time.Second
	assert.Error(t, c.Validate())

	c = valid
	c.Addresses = nil
	assert.Error(t, c.Validate())
}

func TestConfigString(t *testing.T) {
	c := Config{
		ClusterID:      engine.Uint128FromUint64(7),
		Addresses:      []string{"3000", "3001"},
		ConcurrencyMax: 32,
		DrainTimeout:   5 * time.Second,
		LogLevel:       "info",
	}
	out := c.String()
	assert.Contains(t, out, "CLUSTER")
	assert.Contains(t, out, "3000, 3001")
	assert.Contains(t, out, "5s")

	c.DrainTimeout = 0
	assert.Contains(t, c.String(), "unbounded")
}
