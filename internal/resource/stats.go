package resource

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// ioStats is the subset of the engine stats document used for activity.
type ioStats struct {
	BlkioStats struct {
		IOServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// IOCounters is the cumulative block and network I/O of a container.
type IOCounters struct {
	BlockRead  uint64
	BlockWrite uint64
	NetRx      uint64
	NetTx      uint64
}

// DecodeIOCounters reads one stats document.
func DecodeIOCounters(r io.Reader) (IOCounters, error) {
	var stats ioStats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return IOCounters{}, fmt.Errorf("decode stats: %w", err)
	}

	var c IOCounters
	for _, entry := range stats.BlkioStats.IOServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			c.BlockRead += entry.Value
		case "Write", "write":
			c.BlockWrite += entry.Value
		}
	}

	names := make([]string, 0, len(stats.Networks))
	for name := range stats.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.NetRx += stats.Networks[name].RxBytes
		c.NetTx += stats.Networks[name].TxBytes
	}
	return c, nil
}

// Bytes encodes the counters in a fixed layout so equal counters compare
// byte-for-byte equal.
func (c IOCounters) Bytes() []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:], c.BlockRead)
	binary.BigEndian.PutUint64(buf[8:], c.BlockWrite)
	binary.BigEndian.PutUint64(buf[16:], c.NetRx)
	binary.BigEndian.PutUint64(buf[24:], c.NetTx)
	return buf
}
