package tpu

import (
	"regexp"
	"sort"
	"strconv"
)

// UsageCommand prints the tpu-info chip table on a worker.
const UsageCommand = `python -c "from tpu_info import cli;cli.print_chip_info()"`

// InstallUsageToolCommand installs tpu-info for first-time use.
const InstallUsageToolCommand = "pip install tpu-info"

// usagePattern scrapes data rows of the tpu-info chip table, e.g.
// │ 0 │ 5.00 GiB / 15.00 GiB │ 12.00% │
var usagePattern = regexp.MustCompile(`│\s+(\d+)\s+│\s+([\d.]+ GiB / [\d.]+ GiB)\s+│\s+([\d.]+%)\s+│`)

// DeviceUsage is one accelerator chip's utilization snapshot.
type DeviceUsage struct {
	Index     int
	Memory    string
	DutyCycle string
}

// ParseDeviceUsage extracts per-chip rows from tpu-info output, sorted by
// device index. Unparseable rows are skipped.
func ParseDeviceUsage(text string) []DeviceUsage {
	matches := usagePattern.FindAllStringSubmatch(text, -1)
	var rows []DeviceUsage
	for _, m := range matches {
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		rows = append(rows, DeviceUsage{Index: index, Memory: m[2], DutyCycle: m[3]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	return rows
}
