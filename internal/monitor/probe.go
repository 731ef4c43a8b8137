// Package monitor implements the Monitor Loop (C4): one long-running task
// per machine that periodically probes it over the Remote Executor, parses
// the result into metrics, and advances the Fleet Registry's state machine.
//
// Grounded on original_source/backend/app/plugins/machines/service.py's
// collect_system_metrics (the exact shell commands for CPU/memory/disk) and
// monitor_machines (per-machine interval loop, ACTIVE/INACTIVE/ERROR
// transitions), extended per spec.md §4.4's richer probe (load averages,
// uptime) and supplement allowance in SPEC_FULL.md §4.4.
package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// probeScript is run in a single remote shell invocation so one SSH channel
// produces every metric for the iteration. Each line is prefixed with a
// stable marker so parsing does not depend on command output ordering.
const probeScript = `
echo CPU_PCT:$(top -bn1 | grep 'Cpu(s)' | awk '{print $2}')
echo MEM:$(free -b | grep Mem | awk '{print $2, $3}')
echo DISK:$(df -B1 / | tail -1 | awk '{print $2, $3}')
echo DOCKER:$(systemctl is-active docker 2>/dev/null || echo inactive)
echo LOAD:$(cat /proc/loadavg | awk '{print $1, $2, $3}')
echo UPTIME:$(awk '{print $1}' /proc/uptime)
`

// Metrics is one probe's parsed result.
type Metrics struct {
	CPUPercent   float64
	MemoryTotal  uint64
	MemoryUsed   uint64
	DiskTotal    uint64
	DiskUsed     uint64
	DockerActive bool
	Load1        float64
	Load5        float64
	Load15       float64
	UptimeSecs   float64
}

// parseProbeOutput parses probeScript's stdout. A malformed or missing
// CPU_PCT, MEM, DISK, LOAD or UPTIME line is a parse failure (spec.md §4.4:
// "probe succeeds but parsing fails -> status = ERROR"); a missing DOCKER
// line reads as docker inactive.
func parseProbeOutput(stdout string) (Metrics, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		fields[line[:idx]] = strings.TrimSpace(line[idx+1:])
	}

	var m Metrics
	var err error

	if m.CPUPercent, err = strconv.ParseFloat(fields["CPU_PCT"], 64); err != nil {
		return Metrics{}, fmt.Errorf("parsing CPU_PCT: %w", err)
	}

	memParts := strings.Fields(fields["MEM"])
	if len(memParts) != 2 {
		return Metrics{}, fmt.Errorf("parsing MEM: expected 2 fields, got %d", len(memParts))
	}
	if m.MemoryTotal, err = parseUint(memParts[0]); err != nil {
		return Metrics{}, fmt.Errorf("parsing MEM total: %w", err)
	}
	if m.MemoryUsed, err = parseUint(memParts[1]); err != nil {
		return Metrics{}, fmt.Errorf("parsing MEM used: %w", err)
	}

	diskParts := strings.Fields(fields["DISK"])
	if len(diskParts) != 2 {
		return Metrics{}, fmt.Errorf("parsing DISK: expected 2 fields, got %d", len(diskParts))
	}
	if m.DiskTotal, err = parseUint(diskParts[0]); err != nil {
		return Metrics{}, fmt.Errorf("parsing DISK total: %w", err)
	}
	if m.DiskUsed, err = parseUint(diskParts[1]); err != nil {
		return Metrics{}, fmt.Errorf("parsing DISK used: %w", err)
	}

	m.DockerActive = fields["DOCKER"] == "active"

	loadParts := strings.Fields(fields["LOAD"])
	if len(loadParts) != 3 {
		return Metrics{}, fmt.Errorf("parsing LOAD: expected 3 fields, got %d", len(loadParts))
	}
	if m.Load1, err = strconv.ParseFloat(loadParts[0], 64); err != nil {
		return Metrics{}, fmt.Errorf("parsing LOAD 1m: %w", err)
	}
	if m.Load5, err = strconv.ParseFloat(loadParts[1], 64); err != nil {
		return Metrics{}, fmt.Errorf("parsing LOAD 5m: %w", err)
	}
	if m.Load15, err = strconv.ParseFloat(loadParts[2], 64); err != nil {
		return Metrics{}, fmt.Errorf("parsing LOAD 15m: %w", err)
	}

	if m.UptimeSecs, err = strconv.ParseFloat(fields["UPTIME"], 64); err != nil {
		return Metrics{}, fmt.Errorf("parsing UPTIME: %w", err)
	}

	return m, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
