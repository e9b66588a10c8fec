package backbone

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/device"
	"github.com/nvr-ai/petclassifier/images"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// MobileNetV2 is the registered name of the ImageNet MobileNetV2 backbone.
const MobileNetV2 = "mobilenetv2"

func init() {
	Register(MobileNetV2, func(cfg config.Model, rt *device.Runtime) (Backbone, error) {
		return NewONNX(cfg, rt)
	})
}

// ONNX runs a headless ONNX export of a convolutional backbone.
//
// The graph takes an NHWC float input and produces either an NHWC feature map,
// which is globally average pooled, or already pooled features.
type ONNX struct {
	session    *ort.DynamicAdvancedSession
	name       string
	size       int
	mapSize    int
	featureDim int
	layers     int
	pooled     bool
	mu         sync.Mutex
}

// NewONNX loads the backbone graph at cfg.BackbonePath.
//
// Arguments:
//   - cfg: The model configuration.
//   - rt: The inference runtime providing session options.
//
// Returns:
//   - *ONNX: The backbone.
//   - error: An error if the file is missing, the graph shape does not match cfg, or the session fails.
func NewONNX(cfg config.Model, rt *device.Runtime) (*ONNX, error) {
	if rt == nil {
		return nil, fmt.Errorf("inference runtime is not initialised")
	}
	if _, err := os.Stat(cfg.BackbonePath); err != nil {
		return nil, fmt.Errorf("backbone model not found at %s: %w", cfg.BackbonePath, err)
	}

	b := &ONNX{
		name:       cfg.Backbone,
		size:       cfg.ImageSize,
		mapSize:    cfg.FeatureMapSize,
		featureDim: cfg.FeatureDim,
		layers:     cfg.BackboneLayers,
	}

	if err := b.inspect(cfg); err != nil {
		return nil, err
	}

	options, err := rt.SessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		cfg.BackbonePath,
		[]string{cfg.BackboneInput},
		[]string{cfg.BackboneOutput},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}
	b.session = session

	log.WithFields(log.Fields{
		"path":     cfg.BackbonePath,
		"provider": rt.Backend,
		"features": b.featureDim,
		"pooled":   b.pooled,
	}).Info("backbone loaded")

	return b, nil
}

// inspect checks the graph's declared input and output against the configuration.
func (b *ONNX) inspect(cfg config.Model) error {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.BackbonePath)
	if err != nil {
		return fmt.Errorf("error reading backbone graph info: %w", err)
	}

	var in, out *ort.InputOutputInfo
	for i := range inputs {
		if inputs[i].Name == cfg.BackboneInput {
			in = &inputs[i]
		}
	}
	for i := range outputs {
		if outputs[i].Name == cfg.BackboneOutput {
			out = &outputs[i]
		}
	}
	if in == nil {
		return fmt.Errorf("backbone graph has no input %q", cfg.BackboneInput)
	}
	if out == nil {
		return fmt.Errorf("backbone graph has no output %q", cfg.BackboneOutput)
	}

	if d := in.Dimensions; len(d) != 4 || !dimMatches(d[1], cfg.ImageSize) || !dimMatches(d[2], cfg.ImageSize) || !dimMatches(d[3], images.Channels) {
		return fmt.Errorf("backbone input %s has shape %v, want (n,%d,%d,%d)", in.Name, in.Dimensions, cfg.ImageSize, cfg.ImageSize, images.Channels)
	}

	switch d := out.Dimensions; len(d) {
	case 2:
		b.pooled = true
		if !dimMatches(d[1], cfg.FeatureDim) {
			return fmt.Errorf("backbone output %s has %d features, want %d", out.Name, d[1], cfg.FeatureDim)
		}
	case 4:
		if !dimMatches(d[3], cfg.FeatureDim) {
			return fmt.Errorf("backbone output %s has %d channels, want %d", out.Name, d[3], cfg.FeatureDim)
		}
		if d[1] > 0 {
			b.mapSize = int(d[1])
		}
	default:
		return fmt.Errorf("backbone output %s has unsupported shape %v", out.Name, d)
	}
	return nil
}

// dimMatches treats negative (dynamic) dimensions as matching anything.
func dimMatches(d int64, want int) bool {
	return d < 0 || d == int64(want)
}

// Name implements Backbone.
func (b *ONNX) Name() string { return b.name }

// InputSize implements Backbone.
func (b *ONNX) InputSize() int { return b.size }

// FeatureDim implements Backbone.
func (b *ONNX) FeatureDim() int { return b.featureDim }

// Layers implements Backbone.
func (b *ONNX) Layers() int { return b.layers }

// Extract implements Backbone.
func (b *ONNX) Extract(ctx context.Context, batch []float32, n int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sampleLen := b.size * b.size * images.Channels
	if n <= 0 || len(batch) < n*sampleLen {
		return nil, fmt.Errorf("batch holds %d floats, need %d for %d images", len(batch), n*sampleLen, n)
	}

	input, err := ort.NewTensor(ort.NewShape(int64(n), int64(b.size), int64(b.size), images.Channels), batch[:n*sampleLen])
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer input.Destroy()

	shape := ort.NewShape(int64(n), int64(b.mapSize), int64(b.mapSize), int64(b.featureDim))
	if b.pooled {
		shape = ort.NewShape(int64(n), int64(b.featureDim))
	}
	output, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer output.Destroy()

	b.mu.Lock()
	err = b.session.Run([]ort.Value{input}, []ort.Value{output})
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("error running backbone: %w", err)
	}

	data := output.GetData()
	if b.pooled {
		return append([]float32(nil), data...), nil
	}
	return GlobalAveragePool(data, n, b.mapSize*b.mapSize, b.featureDim), nil
}

// Close implements Backbone.
func (b *ONNX) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	if err != nil {
		return fmt.Errorf("error destroying ORT session: %w", err)
	}
	return nil
}
