package device

import (
	"context"
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Report is the outcome of a device check.
type Report struct {
	ORTVersion string    `json:"ort_version"`
	GoVersion  string    `json:"go_version"`
	Platform   string    `json:"platform"`
	Backend    Backend   `json:"backend"`
	Precision  Precision `json:"precision"`
	GPUs       []GPU     `json:"gpus"`
	// MatMul is the result of the smoke test product.
	MatMul []float32 `json:"matmul"`
	// ComputeErr is set when the smoke test failed.
	ComputeErr string `json:"compute_error,omitempty"`
}

// Check reports the runtime configuration and runs a small compute smoke test.
//
// Arguments:
//   - ctx: Bounds GPU detection.
//   - rt: The initialised runtime, or nil when ONNX Runtime is unavailable.
//
// Returns:
//   - Report: The diagnostics.
func Check(ctx context.Context, rt *Runtime) Report {
	r := Report{
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Backend:   BackendCPU,
		Precision: PrecisionFP32,
	}

	if rt != nil {
		r.ORTVersion = ortVersion()
		r.Backend = rt.Backend
		r.Precision = rt.Precision
		r.GPUs = rt.GPUs
	} else {
		r.GPUs = DetectGPUs(ctx)
	}

	product, err := SmokeTest()
	if err != nil {
		r.ComputeErr = err.Error()
	}
	r.MatMul = product
	return r
}

// SmokeTest multiplies two 2x2 matrices through a gorgonia graph.
//
// Returns:
//   - []float32: The row-major product [[1,2],[3,4]] x [[1,1],[0,1]].
//   - error: An error if the graph cannot be built or run.
func SmokeTest() ([]float32, error) {
	g := G.NewGraph()
	a := G.NewMatrix(g, tensor.Float32, G.WithShape(2, 2), G.WithName("a"),
		G.WithValue(tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))))
	b := G.NewMatrix(g, tensor.Float32, G.WithShape(2, 2), G.WithName("b"),
		G.WithValue(tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 1, 0, 1}))))

	c, err := G.Mul(a, b)
	if err != nil {
		return nil, fmt.Errorf("error building matmul: %w", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("error running matmul: %w", err)
	}

	out, ok := c.Value().Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected matmul output %T", c.Value().Data())
	}
	return append([]float32(nil), out...), nil
}

func ortVersion() string {
	if !ort.IsInitialized() {
		return ""
	}
	return ort.GetVersion()
}
