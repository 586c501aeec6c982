// ABOUTME: Parsers for remote resource probes (top, /proc/net/dev, ps, df)
// ABOUTME: Handles both procps and busybox top formats, normalizing memory to MiB

package status

import (
	"math"
	"strconv"
	"strings"
)

// Memory is memory usage in MiB.
type Memory struct {
	UsedMB      float64 `json:"usedMb"`
	TotalMB     float64 `json:"totalMb"`
	UsedPercent float64 `json:"usedPercent"`
}

// NetworkInterface is cumulative traffic for one interface.
type NetworkInterface struct {
	Interface string `json:"interface"`
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
}

// Process is one row of the top-processes listing.
type Process struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	Command       string  `json:"command"`
}

// Disk is one filesystem row from df.
type Disk struct {
	Filesystem  string `json:"filesystem"`
	Total       string `json:"total"`
	Used        string `json:"used"`
	UsedPercent string `json:"usedPercent"`
	MountPoint  string `json:"mountPoint"`
}

// parseCPUPercent extracts overall CPU usage from `top -bn1` output.
// Returns ok=false when no CPU line could be interpreted.
func parseCPUPercent(topOutput string) (float64, bool) {
	for _, line := range strings.Split(topOutput, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "cpu") {
			continue
		}

		// procps top: "%Cpu(s): ... 96.0 id, ..."
		// busybox top: "CPU: ... 96.0% idle ..."
		idle, ok := extractMetricValue(lower, " id")
		if !ok {
			idle, ok = extractMetricValue(lower, "%id")
		}
		if !ok {
			idle, ok = extractMetricValue(lower, " idle")
		}
		if !ok {
			idle, ok = extractMetricValue(lower, "%idle")
		}
		if !ok {
			idle, ok = extractValueBeforeKeyword(lower, []string{"idle", "%idle", "id", "%id"})
		}
		if ok {
			cpu := 100.0 - idle
			if cpu < 0 {
				cpu = 0
			}
			if cpu > 100 {
				cpu = 100
			}
			return round2(cpu), true
		}
	}
	return 0, false
}

// parseMemory extracts memory usage from `top -bn1` output.
func parseMemory(topOutput string) (Memory, bool) {
	for _, line := range strings.Split(topOutput, "\n") {
		lower := strings.ToLower(line)

		// procps: "MiB Mem : 15935.1 total, 1200.2 free, 4300.0 used, ..."
		if strings.Contains(lower, "mem") && strings.Contains(lower, "total") {
			total, okTotal := extractMetricValue(lower, " total")
			used, okUsed := extractMetricValue(lower, " used")
			if !okTotal || !okUsed {
				return Memory{}, false
			}
			return buildMemory(used, total), true
		}

		// busybox: "Mem: 913392K used, 295116K free, ..."
		if strings.Contains(lower, "mem:") && strings.Contains(lower, " used") && strings.Contains(lower, " free") {
			used, okUsed := extractMetricValueMB(lower, " used")
			free, okFree := extractMetricValueMB(lower, " free")
			if !okUsed || !okFree {
				return Memory{}, false
			}
			return buildMemory(used, used+free), true
		}
	}
	return Memory{}, false
}

// parseNetworkInterfaces reads `/proc/net/dev` content.
func parseNetworkInterfaces(output string) []NetworkInterface {
	var rows []NetworkInterface

	lines := strings.Split(output, "\n")
	if len(lines) <= 2 {
		return rows
	}
	for _, line := range lines[2:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		iface, stats, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		cols := strings.Fields(stats)
		if len(cols) < 16 {
			continue
		}
		rx, err := strconv.ParseUint(cols[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(cols[8], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, NetworkInterface{
			Interface: strings.TrimSpace(iface),
			RxBytes:   rx,
			TxBytes:   tx,
		})
	}
	return rows
}

// parseTopProcesses reads `ps -eo pid,pcpu,pmem,comm --sort=-pcpu` output.
func parseTopProcesses(output string) []Process {
	var rows []Process

	lines := strings.Split(output, "\n")
	if len(lines) < 2 {
		return rows
	}
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 4 {
			continue
		}
		pid, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		cpu, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			continue
		}
		mem, err := strconv.ParseFloat(cols[2], 64)
		if err != nil {
			continue
		}
		rows = append(rows, Process{
			PID:           pid,
			CPUPercent:    round2(cpu),
			MemoryPercent: round2(mem),
			Command:       strings.Join(cols[3:], " "),
		})
	}
	return rows
}

// parseDisks reads `df -hP` output.
func parseDisks(output string) []Disk {
	var rows []Disk

	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return rows
	}
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 6 {
			continue
		}
		if strings.EqualFold(cols[0], "filesystem") {
			continue
		}
		rows = append(rows, Disk{
			Filesystem:  cols[0],
			Total:       cols[1],
			Used:        cols[2],
			UsedPercent: cols[4],
			MountPoint:  cols[5],
		})
	}
	return rows
}

func extractMetricValue(line, suffix string) (float64, bool) {
	for _, segment := range strings.Split(line, ",") {
		piece := strings.TrimSpace(segment)
		if !strings.HasSuffix(piece, suffix) {
			continue
		}
		withoutSuffix := strings.TrimSpace(strings.TrimSuffix(piece, suffix))
		fields := strings.Fields(withoutSuffix)
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err == nil {
			return value, true
		}
	}
	return 0, false
}

func extractMetricValueMB(line, suffix string) (float64, bool) {
	for _, segment := range strings.Split(line, ",") {
		piece := strings.TrimSpace(segment)
		if !strings.HasSuffix(piece, suffix) {
			continue
		}
		withoutSuffix := strings.TrimSpace(strings.TrimSuffix(piece, suffix))
		fields := strings.Fields(withoutSuffix)
		if len(fields) == 0 {
			continue
		}
		if value, ok := parseToMB(fields[len(fields)-1]); ok {
			return value, true
		}
	}
	return 0, false
}

func extractValueBeforeKeyword(line string, keywords []string) (float64, bool) {
	tokens := strings.Fields(line)
	for idx := 1; idx < len(tokens); idx++ {
		token := strings.Trim(tokens[idx], ",:")
		matched := false
		for _, kw := range keywords {
			if token == kw {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		prev := strings.Trim(tokens[idx-1], ",:")
		value, err := strconv.ParseFloat(strings.TrimSuffix(prev, "%"), 64)
		if err == nil {
			return value, true
		}
	}
	return 0, false
}

// parseToMB converts tokens like "913392K" or "1.5g" into MiB.
func parseToMB(token string) (float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(token))
	if lower == "" {
		return 0, false
	}

	splitAt := len(lower)
	for idx, ch := range lower {
		if (ch < '0' || ch > '9') && ch != '.' {
			splitAt = idx
			break
		}
	}

	number, err := strconv.ParseFloat(lower[:splitAt], 64)
	if err != nil {
		return 0, false
	}

	switch strings.TrimSpace(lower[splitAt:]) {
	case "", "m", "mb", "mi", "mib":
		return number, true
	case "k", "kb", "ki", "kib":
		return number / 1024.0, true
	case "g", "gb", "gi", "gib":
		return number * 1024.0, true
	case "t", "tb", "ti", "tib":
		return number * 1024.0 * 1024.0, true
	default:
		return 0, false
	}
}

func buildMemory(used, total float64) Memory {
	usedPercent := 0.0
	if total > 0 {
		usedPercent = used / total * 100.0
		if usedPercent > 100 {
			usedPercent = 100
		}
	}
	return Memory{
		UsedMB:      round2(used),
		TotalMB:     round2(total),
		UsedPercent: round2(usedPercent),
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
