// Package netprobe measures network throughput towards a source host by
// pushing a fixed-size block with rsync. It is a diagnostic only; recovery
// jobs never depend on it.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/segment-recovery/internal/execx"
)

// DefaultBlockMiB is the size of the probe block.
const DefaultBlockMiB = 200

// ErrNoSummary means the rsync output had no transfer summary line.
var ErrNoSummary = errors.New("netprobe: rsync summary not found")

// summaryLine matches "sent 58060 bytes  received 101430 bytes  106326.67 bytes/sec".
var summaryLine = regexp.MustCompile(`sent ([\d,.]+) bytes\s+received ([\d,.]+) bytes\s+([\d,.]+) bytes/sec`)

// Rate is one probe measurement.
type Rate struct {
	SentBytes     uint64
	ReceivedBytes uint64
	BytesPerSec   float64
}

func (r Rate) String() string {
	return fmt.Sprintf("%s/s (sent %s)", humanize.Bytes(uint64(r.BytesPerSec)), humanize.Bytes(r.SentBytes))
}

// Probe runs the measurement through an executor.
type Probe struct {
	exec     execx.Executor
	blockMiB int
	scratch  string
}

// New returns a Probe. blockMiB <= 0 uses DefaultBlockMiB; scratch is the
// file name used on both ends.
func New(exec execx.Executor, blockMiB int, scratch string) *Probe {
	if blockMiB <= 0 {
		blockMiB = DefaultBlockMiB
	}
	if scratch == "" {
		scratch = "segrecovery_netprobe"
	}
	return &Probe{exec: exec, blockMiB: blockMiB, scratch: scratch}
}

// Measure writes the probe block locally, rsyncs it to host and parses the
// achieved rate from rsync's summary.
func (p *Probe) Measure(ctx context.Context, host string) (Rate, error) {
	script := fmt.Sprintf(
		"dd if=/dev/zero of=%[1]s bs=1024k count=%[2]d 2>/dev/null && rsync -av %[1]s %[3]s:%[1]s | tail -2 | head -1; rm -f %[1]s",
		execx.Quote(p.scratch), p.blockMiB, host)

	res, err := p.exec.Run(ctx, execx.Command{Name: "sh", Args: []string{"-c", script}})
	if err != nil {
		return Rate{}, fmt.Errorf("probe network to %s: %w", host, err)
	}
	return ParseRsyncSummary(res.Stdout)
}

// ParseRsyncSummary extracts the rate from rsync -v output.
func ParseRsyncSummary(out string) (Rate, error) {
	m := summaryLine.FindStringSubmatch(out)
	if m == nil {
		return Rate{}, ErrNoSummary
	}
	sent, err := parseNumber(m[1])
	if err != nil {
		return Rate{}, err
	}
	received, err := parseNumber(m[2])
	if err != nil {
		return Rate{}, err
	}
	rate, err := parseNumber(m[3])
	if err != nil {
		return Rate{}, err
	}
	return Rate{SentBytes: uint64(sent), ReceivedBytes: uint64(received), BytesPerSec: rate}, nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("netprobe: parse %q: %w", s, err)
	}
	return v, nil
}
