package resource

import (
	"strings"
	"testing"

	runitErrors "github.com/harunnryd/runit/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimits(t *testing.T) {
	limits, err := ParseLimits(1.5, "4g", 512)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), limits.NanoCPUs())
	assert.Equal(t, int64(4*1024*1024*1024), limits.MemoryBytes)
	assert.Equal(t, int64(512), limits.PidsLimit)
	assert.Contains(t, limits.String(), "pids=512")

	_, err = ParseLimits(0, "4g", 512)
	assert.ErrorIs(t, err, runitErrors.ErrInvalidInput)

	_, err = ParseLimits(2, "four gigs", 512)
	assert.ErrorIs(t, err, runitErrors.ErrInvalidInput)

	limits, err = ParseLimits(2, "", 0)
	require.NoError(t, err)
	assert.Zero(t, limits.MemoryBytes)
}

func TestInstanceName(t *testing.T) {
	a := InstanceName("runit")
	b := InstanceName("runit")

	assert.True(t, strings.HasPrefix(a, "runit-"))
	assert.Equal(t, strings.ToLower(a), a)
	assert.NotEqual(t, a, b)
}

const statsFixture = `{
  "read": "2026-03-01T12:00:00Z",
  "blkio_stats": {
    "io_service_bytes_recursive": [
      {"major": 8, "minor": 0, "op": "read", "value": 4096},
      {"major": 8, "minor": 0, "op": "write", "value": 8192},
      {"major": 8, "minor": 16, "op": "write", "value": 100}
    ]
  },
  "networks": {
    "eth1": {"rx_bytes": 10, "tx_bytes": 20},
    "eth0": {"rx_bytes": 1000, "tx_bytes": 2000}
  }
}`

func TestDecodeIOCounters(t *testing.T) {
	c, err := DecodeIOCounters(strings.NewReader(statsFixture))
	require.NoError(t, err)

	assert.Equal(t, IOCounters{BlockRead: 4096, BlockWrite: 8292, NetRx: 1010, NetTx: 2020}, c)

	_, err = DecodeIOCounters(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestDecodeIOCountersWithoutBlkio(t *testing.T) {
	c, err := DecodeIOCounters(strings.NewReader(`{"blkio_stats":{"io_service_bytes_recursive":null},"networks":{"eth0":{"rx_bytes":5,"tx_bytes":6}}}`))
	require.NoError(t, err)
	assert.Equal(t, IOCounters{NetRx: 5, NetTx: 6}, c)
}

func TestIOCountersBytes(t *testing.T) {
	a := IOCounters{BlockRead: 1, NetTx: 2}
	b := IOCounters{BlockRead: 1, NetTx: 2}
	c := IOCounters{BlockRead: 1, NetTx: 3}

	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.NotEqual(t, a.Bytes(), c.Bytes())
	assert.Len(t, a.Bytes(), 32)
}
