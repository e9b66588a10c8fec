package device

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// GPU describes a detected NVIDIA GPU.
type GPU struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	VramMB int    `json:"vram_mb"`
	Driver string `json:"driver"`
}

// String renders the GPU for diagnostics.
func (g GPU) String() string {
	s := fmt.Sprintf("GPU %d: %s (%d MiB)", g.Index, g.Name, g.VramMB)
	if g.Driver != "" {
		s += " [Driver: " + g.Driver + "]"
	}
	return s
}

// DetectGPUs lists NVIDIA GPUs via nvidia-smi.
//
// A missing or failing nvidia-smi means no GPU.
//
// Arguments:
//   - ctx: Bounds the nvidia-smi call.
//
// Returns:
//   - []GPU: The detected GPUs, possibly empty.
func DetectGPUs(ctx context.Context) []GPU {
	for _, path := range nvidiaSmiPaths() {
		cmd := exec.CommandContext(ctx, path,
			"--query-gpu=index,name,memory.total,driver_version",
			"--format=csv,noheader,nounits")
		out, err := cmd.Output()
		if err == nil {
			return parseNvidiaSMI(string(out))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// parseNvidiaSMI parses the CSV output of the nvidia-smi GPU query.
func parseNvidiaSMI(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(strings.TrimSpace(line), ", ")
		if len(parts) < 4 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		vram, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			continue
		}
		gpus = append(gpus, GPU{
			Index:  index,
			Name:   strings.TrimSpace(parts[1]),
			VramMB: int(vram),
			Driver: strings.TrimSpace(parts[3]),
		})
	}
	return gpus
}

func nvidiaSmiPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"nvidia-smi",
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`,
		}
	}
	return []string{"nvidia-smi"}
}
