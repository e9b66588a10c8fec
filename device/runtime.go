package device

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/nvr-ai/petclassifier/config"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Runtime is the configured process-wide inference runtime.
//
// A Runtime is created once by Init and never mutated afterwards.
type Runtime struct {
	// Backend is the execution provider sessions are created with.
	Backend Backend
	// Precision is the numeric policy of the backend.
	Precision Precision
	// GPUs are the detected NVIDIA GPUs.
	GPUs []GPU
	// LibraryPath is the ONNX Runtime shared library in use.
	LibraryPath string

	cfg config.Device
}

var (
	initOnce sync.Once
	current  *Runtime
	initErr  error
)

// Init initialises ONNX Runtime and selects the execution provider.
//
// Init runs once per process; later calls return the first result. Failures
// while configuring an accelerator are logged and the runtime falls back to the
// CPU provider.
//
// Arguments:
//   - cfg: The device configuration.
//
// Returns:
//   - *Runtime: The runtime.
//   - error: An error if ONNX Runtime itself cannot be initialised.
func Init(cfg config.Device) (*Runtime, error) {
	initOnce.Do(func() {
		current, initErr = initialize(cfg)
	})
	return current, initErr
}

// Current returns the runtime created by Init, or nil.
func Current() *Runtime {
	return current
}

func initialize(cfg config.Device) (*Runtime, error) {
	requested, err := ParseBackend(cfg.Provider)
	if err != nil {
		return nil, err
	}

	libPath := cfg.SharedLibraryPath
	if libPath == "" {
		libPath = SharedLibPath()
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return nil, fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
		}
		ort.SetSharedLibraryPath(libPath)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("error initializing ORT environment: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gpus := DetectGPUs(ctx)

	rt := &Runtime{
		Backend:     SelectBackend(requested, gpus, runtime.GOOS, runtime.GOARCH),
		GPUs:        gpus,
		LibraryPath: libPath,
		cfg:         cfg,
	}

	if rt.Backend.IsGPU() {
		if err := rt.probe(); err != nil {
			log.WithError(err).WithField("provider", rt.Backend).Warn("accelerator unavailable, falling back to CPU")
			rt.Backend = BackendCPU
		}
	}
	rt.Precision = PolicyFor(rt.Backend, cfg.MixedPrecision)

	log.WithFields(log.Fields{
		"provider":  rt.Backend,
		"precision": rt.Precision,
		"gpus":      len(gpus),
		"ort":       ort.GetVersion(),
	}).Info("inference runtime ready")

	return rt, nil
}

// probe checks that the provider can be appended to a session.
func (r *Runtime) probe() error {
	opts, err := r.SessionOptions()
	if err != nil {
		return err
	}
	return opts.Destroy()
}

// HasGPU reports whether the runtime executes on an accelerator.
func (r *Runtime) HasGPU() bool {
	return r != nil && r.Backend.IsGPU()
}

// SessionOptions creates ONNX Runtime session options for the selected provider.
//
// **Destroying the options is the caller's responsibility.**
//
// Returns:
//   - *ort.SessionOptions: The session options.
//   - error: An error if the options or the provider cannot be created.
func (r *Runtime) SessionOptions() (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	if r.cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(r.cfg.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if r.cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(r.cfg.InterOpThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch r.Backend {
	case BackendCUDA:
		tf32 := 0
		if PolicyFor(r.Backend, r.cfg.MixedPrecision) == PrecisionFP16 {
			tf32 = 1
		}
		cuda, err := CUDAOptions{
			DeviceID:            r.cfg.DeviceID,
			CudnnConvAlgoSearch: 2,
			UseTF32:             tf32,
			PreferNHWC:          1,
		}.ToNativeProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error converting CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error enabling CoreML: %w", err)
		}
	}

	return options, nil
}

// Shutdown destroys the ONNX Runtime environment.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("error destroying ORT environment: %w", err)
	}
	return nil
}
