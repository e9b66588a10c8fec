// Package device - Process-wide ONNX Runtime setup, execution provider selection and diagnostics.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend represents an ONNX Runtime execution provider.
type Backend string

const (
	// BackendAuto picks the best provider for the detected hardware.
	BackendAuto Backend = "auto"
	// BackendCPU is the default CPU execution provider.
	BackendCPU Backend = "cpu"
	// BackendCUDA uses NVIDIA CUDA for inference.
	BackendCUDA Backend = "cuda"
	// BackendCoreML uses Apple CoreML for macOS acceleration.
	BackendCoreML Backend = "coreml"
)

// IsGPU reports whether the backend runs on an accelerator.
func (b Backend) IsGPU() bool {
	return b == BackendCUDA || b == BackendCoreML
}

// ParseBackend parses a configured provider name.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendCPU, BackendCUDA, BackendCoreML:
		return b, nil
	default:
		return "", fmt.Errorf("unknown execution provider %q", name)
	}
}

// SelectBackend resolves auto to a concrete backend.
//
// Arguments:
//   - requested: The configured backend.
//   - gpus: The detected NVIDIA GPUs.
//   - goos: The operating system.
//   - goarch: The architecture.
//
// Returns:
//   - Backend: CUDA when a GPU is present, CoreML on Apple Silicon, CPU otherwise.
func SelectBackend(requested Backend, gpus []GPU, goos, goarch string) Backend {
	if requested != BackendAuto {
		return requested
	}
	if len(gpus) > 0 {
		return BackendCUDA
	}
	if goos == "darwin" && goarch == "arm64" {
		return BackendCoreML
	}
	return BackendCPU
}

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"deviceID" yaml:"deviceID"`
	// The size limit of the device memory arena in bytes. Zero means no limit.
	GPUMemLimit int64 `json:"gpuMemLimit" yaml:"gpuMemLimit"`
	// 0: kNextPowerOfTwo, 1: kSameAsRequested.
	ArenaExtendStrategy int `json:"arenaExtendStrategy" yaml:"arenaExtendStrategy"`
	// 0: EXHAUSTIVE, 1: HEURISTIC, 2: DEFAULT.
	CudnnConvAlgoSearch int `json:"cudnnConvAlgoSearch" yaml:"cudnnConvAlgoSearch"`
	// TF32 reduced precision math on tensor cores (Ampere and later).
	UseTF32 int `json:"useTF32" yaml:"useTF32"`
	// Prefer NHWC operators, matching the backbone's input layout.
	PreferNHWC int `json:"preferNHWC" yaml:"preferNHWC"`
}

// ToNativeProviderOptions converts the CUDA options to ONNX Runtime provider options.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}

	settings := map[string]string{
		"device_id":              fmt.Sprintf("%d", o.DeviceID),
		"arena_extend_strategy":  fmt.Sprintf("%d", o.ArenaExtendStrategy),
		"cudnn_conv_algo_search": cudnnSearch(o.CudnnConvAlgoSearch),
		"use_tf32":               fmt.Sprintf("%d", o.UseTF32),
		"prefer_nhwc":            fmt.Sprintf("%d", o.PreferNHWC),
	}
	if o.GPUMemLimit > 0 {
		settings["gpu_mem_limit"] = fmt.Sprintf("%d", o.GPUMemLimit)
	}

	if err := opts.Update(settings); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("error updating CUDA options: %w", err)
	}

	return opts, nil
}

func cudnnSearch(v int) string {
	switch v {
	case 0:
		return "EXHAUSTIVE"
	case 1:
		return "HEURISTIC"
	default:
		return "DEFAULT"
	}
}

// SharedLibPath returns the ONNX Runtime shared library for the current platform.
//
// The ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable takes precedence over
// the platform default.
//
// Returns:
//   - string: The library path, or empty when the platform has no default.
func SharedLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
	return ""
}
