package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// GPUInfo represents detailed information about a GPU
type GPUInfo struct {
	ID            string `json:"id"`
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Vendor        string `json:"vendor"`
	VRAMTotal     uint64 `json:"vram_total_mb"`
	VRAMFree      uint64 `json:"vram_free_mb"`
	VRAMUsed      uint64 `json:"vram_used_mb"`
	Temperature   uint8  `json:"temperature_c"`
	Utilization   uint8  `json:"utilization_percent"`
	DriverVersion string `json:"driver_version"`
	PCIBusID      string `json:"pci_bus_id"`
}

// DeviceLoad is one telemetry sample for a device, as the allocator sees it.
type DeviceLoad struct {
	Index           int     `json:"index"`
	ID              string  `json:"id"`
	MemoryFraction  float64 `json:"memory_fraction"`
	ComputeFraction float64 `json:"compute_fraction"`
}

// TelemetrySource reports the current load of every visible device.
type TelemetrySource interface {
	Devices(ctx context.Context) ([]DeviceLoad, error)
}

// CommandRunner runs a command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMI reads telemetry by shelling out to nvidia-smi.
type NvidiaSMI struct {
	logger *zap.Logger
	path   string
	legacy bool
	run    CommandRunner
}

// NewNvidiaSMI creates a telemetry source. With legacyMemoryScaling the memory
// fraction is divided by 100 a second time, which keeps scores comparable with
// earlier deployments but makes memory pressure nearly irrelevant.
func NewNvidiaSMI(path string, legacyMemoryScaling bool, logger *zap.Logger) *NvidiaSMI {
	if path == "" {
		path = "nvidia-smi"
	}
	return &NvidiaSMI{
		logger: logger.Named("gpu"),
		path:   path,
		legacy: legacyMemoryScaling,
		run:    execRunner,
	}
}

// WithRunner replaces the command runner. Used by tests.
func (n *NvidiaSMI) WithRunner(run CommandRunner) *NvidiaSMI {
	n.run = run
	return n
}

// Devices implements TelemetrySource.
func (n *NvidiaSMI) Devices(ctx context.Context) ([]DeviceLoad, error) {
	output, err := n.run(ctx, n.path,
		"--query-gpu=index,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", n.path, err)
	}
	return parseLoads(string(output), n.legacy, n.logger)
}

// Detect returns full device descriptions for the CLI inventory output.
func (n *NvidiaSMI) Detect(ctx context.Context) ([]GPUInfo, error) {
	output, err := n.run(ctx, n.path,
		"--query-gpu=index,name,memory.total,memory.free,memory.used,temperature.gpu,utilization.gpu,driver_version,pci.bus_id",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", n.path, err)
	}
	return parseInfo(string(output), n.logger), nil
}

func splitCSV(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func parseLoads(output string, legacy bool, logger *zap.Logger) ([]DeviceLoad, error) {
	var loads []DeviceLoad
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitCSV(line)
		if len(fields) < 4 {
			logger.Warn("Malformed line from nvidia-smi output", zap.String("line", line))
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			logger.Warn("Failed to parse GPU index from nvidia-smi", zap.String("value", fields[0]), zap.Error(err))
			continue
		}
		used, errUsed := strconv.ParseFloat(fields[1], 64)
		total, errTotal := strconv.ParseFloat(fields[2], 64)
		util, errUtil := strconv.ParseFloat(fields[3], 64)
		if errUsed != nil || errTotal != nil || errUtil != nil {
			// [N/A] readings make the device unscorable; leave it out rather than guess.
			logger.Warn("Unreadable telemetry from nvidia-smi", zap.String("line", line))
			continue
		}

		var mem float64
		if total > 0 {
			mem = used / total
			if legacy {
				mem /= 100
			}
		}
		loads = append(loads, DeviceLoad{
			Index:           index,
			ID:              strconv.Itoa(index),
			MemoryFraction:  mem,
			ComputeFraction: util / 100,
		})
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no readable devices")
	}
	return loads, nil
}

func parseInfo(output string, logger *zap.Logger) []GPUInfo {
	var gpus []GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitCSV(line)
		if len(fields) < 9 {
			logger.Warn("Malformed line from nvidia-smi output", zap.String("line", line))
			continue
		}

		gpu := GPUInfo{Vendor: "NVIDIA", Name: fields[1], DriverVersion: fields[7], PCIBusID: fields[8]}
		if idx, err := strconv.Atoi(fields[0]); err == nil {
			gpu.Index = idx
			gpu.ID = fields[0]
		}
		if v, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
			gpu.VRAMTotal = v
		}
		if v, err := strconv.ParseUint(fields[3], 10, 64); err == nil {
			gpu.VRAMFree = v
		}
		if v, err := strconv.ParseUint(fields[4], 10, 64); err == nil {
			gpu.VRAMUsed = v
		}
		if v, err := strconv.ParseUint(fields[5], 10, 8); err == nil {
			gpu.Temperature = uint8(v)
		}
		if v, err := strconv.ParseUint(fields[6], 10, 8); err == nil {
			gpu.Utilization = uint8(v)
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}
