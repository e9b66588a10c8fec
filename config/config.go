// Package config - Configuration surface for the classifier, training, data and serving.
//
// Every tunable used by the repository lives here: hyperparameters, class labels,
// confidence thresholds, the demo fallback prediction, paths, server, device and
// log settings. Values are loaded from YAML over the defaults in Default().
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Class labels. The order is the order of the model outputs.
const (
	ClassCat   = "cat"
	ClassDog   = "dog"
	ClassOther = "other"
)

// DefaultClasses are the output classes of the head, in output order.
var DefaultClasses = []string{ClassCat, ClassDog, ClassOther}

// Config is the root configuration.
type Config struct {
	Model        Model        `json:"model"        yaml:"model"`
	Classes      []string     `json:"classes"      yaml:"classes"`
	Thresholds   Thresholds   `json:"thresholds"   yaml:"thresholds"`
	Demo         Demo         `json:"demo"         yaml:"demo"`
	Training     Training     `json:"training"     yaml:"training"`
	Augmentation Augmentation `json:"augmentation" yaml:"augmentation"`
	Data         Data         `json:"data"         yaml:"data"`
	Server       Server       `json:"server"       yaml:"server"`
	Device       Device       `json:"device"       yaml:"device"`
	Log          Log          `json:"log"          yaml:"log"`
}

// Model describes the backbone and the head architecture.
type Model struct {
	// Path of the trained head artifact.
	Path string `json:"path" yaml:"path"`
	// Backbone is the registered backbone name.
	Backbone string `json:"backbone" yaml:"backbone"`
	// BackbonePath is the ONNX file of the pretrained feature extractor.
	BackbonePath string `json:"backbone_path" yaml:"backbone_path"`
	// BackboneInput is the input node name of the ONNX graph.
	BackboneInput string `json:"backbone_input" yaml:"backbone_input"`
	// BackboneOutput is the output node name of the ONNX graph.
	BackboneOutput string `json:"backbone_output" yaml:"backbone_output"`
	// BackboneLayers is the number of layers in the backbone graph.
	BackboneLayers int `json:"backbone_layers" yaml:"backbone_layers"`
	// ImageSize is the square input resolution.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// FeatureMapSize is the spatial size of the backbone output (ImageSize/32).
	FeatureMapSize int `json:"feature_map_size" yaml:"feature_map_size"`
	// FeatureDim is the channel count of the backbone output.
	FeatureDim int `json:"feature_dim" yaml:"feature_dim"`
	// DenseUnits is the width of the hidden dense layer of the head.
	DenseUnits int `json:"dense_units" yaml:"dense_units"`
	// DropoutRate is applied after the hidden dense layer while training.
	DropoutRate float64 `json:"dropout_rate" yaml:"dropout_rate"`
}

// Thresholds are the confidence tier lower bounds (inclusive).
type Thresholds struct {
	High   float64 `json:"high"   yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
}

// Demo is the prediction returned when no trained artifact exists.
type Demo struct {
	Label      string  `json:"label"      yaml:"label"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	// Remainder is the probability shown for each class other than Label.
	Remainder float64 `json:"remainder" yaml:"remainder"`
}

// Training holds the optimisation schedule.
type Training struct {
	BatchSize             int     `json:"batch_size"              yaml:"batch_size"`
	CPUBatchSize          int     `json:"cpu_batch_size"          yaml:"cpu_batch_size"`
	Epochs                int     `json:"epochs"                  yaml:"epochs"`
	LearningRate          float64 `json:"learning_rate"           yaml:"learning_rate"`
	EarlyStoppingPatience int     `json:"early_stopping_patience" yaml:"early_stopping_patience"`
	QuickPatience         int     `json:"quick_patience"          yaml:"quick_patience"`
	MinDelta              float64 `json:"min_delta"               yaml:"min_delta"`
	ReduceLRPatience      int     `json:"reduce_lr_patience"      yaml:"reduce_lr_patience"`
	ReduceLRFactor        float64 `json:"reduce_lr_factor"        yaml:"reduce_lr_factor"`
	MinLR                 float64 `json:"min_lr"                  yaml:"min_lr"`
	FineTuneEpochs        int     `json:"fine_tune_epochs"        yaml:"fine_tune_epochs"`
	FineTuneLRDivisor     float64 `json:"fine_tune_lr_divisor"    yaml:"fine_tune_lr_divisor"`
	TargetAccuracy        float64 `json:"target_accuracy"         yaml:"target_accuracy"`
	HistoryPath           string  `json:"history_path"            yaml:"history_path"`
	Seed                  int64   `json:"seed"                    yaml:"seed"`
}

// Augmentation mirrors the random transforms applied to training samples.
type Augmentation struct {
	RotationRange    float64    `json:"rotation_range"     yaml:"rotation_range"`
	WidthShiftRange  float64    `json:"width_shift_range"  yaml:"width_shift_range"`
	HeightShiftRange float64    `json:"height_shift_range" yaml:"height_shift_range"`
	ShearRange       float64    `json:"shear_range"        yaml:"shear_range"`
	ZoomRange        float64    `json:"zoom_range"         yaml:"zoom_range"`
	HorizontalFlip   bool       `json:"horizontal_flip"    yaml:"horizontal_flip"`
	BrightnessRange  [2]float64 `json:"brightness_range"   yaml:"brightness_range"`
	ChannelShift     float64    `json:"channel_shift"      yaml:"channel_shift"`
	FillMode         string     `json:"fill_mode"          yaml:"fill_mode"`
}

// Data configures the dataset directories and acquisition.
type Data struct {
	Root            string   `json:"root"             yaml:"root"`
	ValidationSplit float64  `json:"validation_split" yaml:"validation_split"`
	MaxPerClass     int      `json:"max_per_class"    yaml:"max_per_class"`
	ArchiveURL      string   `json:"archive_url"      yaml:"archive_url"`
	ArchiveName     string   `json:"archive_name"     yaml:"archive_name"`
	SourceDir       string   `json:"source_dir"       yaml:"source_dir"`
	// SourceClasses maps a class label to its directory name inside SourceDir.
	SourceClasses map[string]string `json:"source_classes" yaml:"source_classes"`
	OtherURLs     []string          `json:"other_urls"     yaml:"other_urls"`
	OtherSamples  int               `json:"other_samples"  yaml:"other_samples"`
	ChunkSize     int               `json:"chunk_size"     yaml:"chunk_size"`
	Seed          int64             `json:"seed"           yaml:"seed"`
}

// Server configures the presentation layer.
type Server struct {
	Addr           string        `json:"addr"             yaml:"addr"`
	Mode           string        `json:"mode"             yaml:"mode"`
	MaxUploadBytes int64         `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	FetchTimeout   time.Duration `json:"fetch_timeout"    yaml:"fetch_timeout"`
	RetrainCommand string        `json:"retrain_command"  yaml:"retrain_command"`
}

// Device configures the inference runtime.
type Device struct {
	// Provider is one of auto, cpu, cuda, coreml.
	Provider          string `json:"provider"            yaml:"provider"`
	DeviceID          int    `json:"device_id"           yaml:"device_id"`
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	IntraOpThreads    int    `json:"intra_op_threads"    yaml:"intra_op_threads"`
	InterOpThreads    int    `json:"inter_op_threads"    yaml:"inter_op_threads"`
	// MixedPrecision enables the FP16 policy when a GPU is selected.
	MixedPrecision bool `json:"mixed_precision" yaml:"mixed_precision"`
}

// Log configures logrus.
type Log struct {
	Level  string `json:"level"  yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration the original training scripts were tuned with.
//
// Returns:
//   - Config: The default configuration.
func Default() Config {
	return Config{
		Model: Model{
			Path:           "cat_dog_model.bin",
			Backbone:       "mobilenetv2",
			BackbonePath:   "models/mobilenetv2_128_notop.onnx",
			BackboneInput:  "input_1",
			BackboneOutput: "out_relu",
			BackboneLayers: 154,
			ImageSize:      128,
			FeatureMapSize: 4,
			FeatureDim:     1280,
			DenseUnits:     64,
			DropoutRate:    0.2,
		},
		Classes: append([]string(nil), DefaultClasses...),
		Thresholds: Thresholds{
			High:   0.90,
			Medium: 0.70,
		},
		Demo: Demo{
			Label:      ClassCat,
			Confidence: 0.85,
			Remainder:  0.075,
		},
		Training: Training{
			BatchSize:             128,
			CPUBatchSize:          32,
			Epochs:                10,
			LearningRate:          0.001,
			EarlyStoppingPatience: 3,
			QuickPatience:         2,
			MinDelta:              0.001,
			ReduceLRPatience:      2,
			ReduceLRFactor:        0.5,
			MinLR:                 1e-7,
			FineTuneEpochs:        5,
			FineTuneLRDivisor:     10,
			TargetAccuracy:        0.90,
			HistoryPath:           "training_history.json",
		},
		Augmentation: Augmentation{
			RotationRange:    40,
			WidthShiftRange:  0.2,
			HeightShiftRange: 0.2,
			ShearRange:       0.2,
			ZoomRange:        0.2,
			HorizontalFlip:   true,
			BrightnessRange:  [2]float64{0.8, 1.2},
			ChannelShift:     0.1,
			FillMode:         "nearest",
		},
		Data: Data{
			Root:            "data",
			ValidationSplit: 0.2,
			MaxPerClass:     2000,
			ArchiveURL:      "https://download.microsoft.com/download/3/E/1/3E1C3F21-ECDB-4869-8368-6DEBA77B919F/kagglecatsanddogs_5340.zip",
			ArchiveName:     "cats_dogs.zip",
			SourceDir:       "PetImages",
			SourceClasses: map[string]string{
				ClassCat: "Cat",
				ClassDog: "Dog",
			},
			OtherURLs: []string{
				"https://via.placeholder.com/128x128/FF0000/FFFFFF?text=Car",
				"https://via.placeholder.com/128x128/00FF00/FFFFFF?text=Tree",
				"https://via.placeholder.com/128x128/0000FF/FFFFFF?text=House",
			},
			OtherSamples: 300,
			ChunkSize:    8192,
		},
		Server: Server{
			Addr:           ":8501",
			Mode:           "release",
			MaxUploadBytes: 10 << 20,
			FetchTimeout:   15 * time.Second,
			RetrainCommand: "quicktrain",
		},
		Device: Device{
			Provider:       "auto",
			MixedPrecision: true,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file over the defaults.
//
// A missing file is not an error: the defaults are returned unchanged.
//
// Arguments:
//   - path: The YAML file to read. Empty means defaults only.
//
// Returns:
//   - Config: The merged configuration.
//   - error: An error if the file cannot be read, parsed or fails validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the repository relies on.
func (c Config) Validate() error {
	if len(c.Classes) < 2 {
		return errors.Errorf("at least two classes are required, got %d", len(c.Classes))
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, name := range c.Classes {
		if name == "" {
			return errors.New("class names must not be empty")
		}
		if seen[name] {
			return errors.Errorf("duplicate class %q", name)
		}
		seen[name] = true
	}
	if c.Model.ImageSize <= 0 {
		return errors.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize)
	}
	if c.Model.FeatureDim <= 0 || c.Model.FeatureMapSize <= 0 {
		return errors.New("model.feature_dim and model.feature_map_size must be positive")
	}
	if c.Model.DenseUnits <= 0 {
		return errors.Errorf("model.dense_units must be positive, got %d", c.Model.DenseUnits)
	}
	if c.Model.DropoutRate < 0 || c.Model.DropoutRate >= 1 {
		return errors.Errorf("model.dropout_rate must be in [0,1), got %v", c.Model.DropoutRate)
	}
	if !(c.Thresholds.High >= c.Thresholds.Medium && c.Thresholds.Medium >= 0 && c.Thresholds.High <= 1) {
		return errors.Errorf("thresholds must satisfy 0 <= medium <= high <= 1, got %+v", c.Thresholds)
	}
	if !seen[c.Demo.Label] {
		return errors.Errorf("demo.label %q is not a configured class", c.Demo.Label)
	}
	if c.Demo.Confidence < 0 || c.Demo.Confidence > 1 {
		return errors.Errorf("demo.confidence must be in [0,1], got %v", c.Demo.Confidence)
	}
	if c.Training.BatchSize <= 0 || c.Training.CPUBatchSize <= 0 {
		return errors.New("training batch sizes must be positive")
	}
	if c.Training.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be positive, got %v", c.Training.LearningRate)
	}
	if c.Training.FineTuneLRDivisor <= 0 {
		return errors.Errorf("training.fine_tune_lr_divisor must be positive, got %v", c.Training.FineTuneLRDivisor)
	}
	if c.Data.ValidationSplit <= 0 || c.Data.ValidationSplit >= 1 {
		return errors.Errorf("data.validation_split must be in (0,1), got %v", c.Data.ValidationSplit)
	}
	if c.Data.ChunkSize <= 0 {
		return errors.Errorf("data.chunk_size must be positive, got %d", c.Data.ChunkSize)
	}
	return nil
}

// ClassIndex returns the output index of a class label, or -1.
func (c Config) ClassIndex(label string) int {
	for i, name := range c.Classes {
		if name == label {
			return i
		}
	}
	return -1
}
