package classifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ArtifactVersion is the current artifact layout version.
const ArtifactVersion uint32 = 1

var artifactMagic = [8]byte{'P', 'E', 'T', 'C', 'L', 'S', 'F', 0}

const (
	headerLen   = 8 + 4 + 8
	checksumLen = sha256.Size
)

var (
	// ErrArtifactNotFound means no artifact exists at the path.
	ErrArtifactNotFound = fmt.Errorf("model artifact not found: %w", os.ErrNotExist)
	// ErrCorruptArtifact means the file is not a readable artifact.
	ErrCorruptArtifact = errors.New("model artifact is corrupt")
	// ErrIncompatibleArtifact means the artifact does not fit the configured model.
	ErrIncompatibleArtifact = errors.New("model artifact is incompatible")
)

// artifact is the gob payload.
type artifact struct {
	Backbone   string
	FeatureDim int
	ImageSize  int
	Classes    []string

	Hidden  int
	Dropout float64
	W1      []float32
	B1      []float32
	W2      []float32
	B2      []float32

	LR   float64
	Step int
	M    [][]float32
	V    [][]float32

	SavedAt time.Time
}

// Save writes the held model to path.
//
// The file is written beside path and renamed over it, so readers never see a
// partial artifact.
func (c *Classifier) Save(path string) error {
	if !c.Ready() {
		return ErrNoModel
	}

	a := artifact{
		Backbone:   c.backbone.Name(),
		FeatureDim: c.head.In,
		ImageSize:  c.backbone.InputSize(),
		Classes:    c.cfg.Classes,
		Hidden:     c.head.Hidden,
		Dropout:    c.head.Dropout,
		W1:         c.head.W1,
		B1:         c.head.B1,
		W2:         c.head.W2,
		B2:         c.head.B2,
		LR:         c.opt.LR,
		Step:       c.opt.Step,
		M:          c.opt.M,
		V:          c.opt.V,
		SavedAt:    time.Now().UTC(),
	}

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&a); err != nil {
		return errors.Wrap(err, "encode artifact")
	}
	data := encodeArtifact(payload.Bytes())

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temporary artifact")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write artifact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close artifact")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename artifact to %s", path)
	}

	log.WithFields(log.Fields{"path": path, "bytes": len(data)}).Info("model saved")
	return nil
}

// Load replaces the held model with the artifact at path.
//
// Returns:
//   - error: ErrArtifactNotFound, ErrCorruptArtifact or ErrIncompatibleArtifact,
//     wrapped with detail. The held model is unchanged on error.
func (c *Classifier) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrArtifactNotFound, "%s", path)
		}
		return errors.Wrapf(err, "read artifact %s", path)
	}

	payload, err := decodeArtifact(data)
	if err != nil {
		return errors.Wrapf(err, "%s", path)
	}

	var a artifact
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&a); err != nil {
		return errors.Wrapf(ErrCorruptArtifact, "%s: decode: %v", path, err)
	}
	if err := c.compatible(&a); err != nil {
		return errors.Wrapf(err, "%s", path)
	}

	head := &Head{
		In:      a.FeatureDim,
		Hidden:  a.Hidden,
		Out:     len(a.Classes),
		Dropout: a.Dropout,
		W1:      a.W1,
		B1:      a.B1,
		W2:      a.W2,
		B2:      a.B2,
	}
	if err := head.Validate(); err != nil {
		return errors.Wrapf(ErrIncompatibleArtifact, "%s: %v", path, err)
	}

	opt := NewAdam(a.LR)
	opt.Step = a.Step
	if len(a.M) == len(head.Params()) && len(a.V) == len(a.M) {
		opt.M, opt.V = a.M, a.V
	} else {
		opt.Step = 0
	}

	c.head = head
	c.opt = opt

	log.WithFields(log.Fields{
		"path":     path,
		"backbone": a.Backbone,
		"saved_at": a.SavedAt,
	}).Info("model loaded")
	return nil
}

func (c *Classifier) compatible(a *artifact) error {
	switch {
	case !reflect.DeepEqual(a.Classes, c.cfg.Classes):
		return errors.Wrapf(ErrIncompatibleArtifact, "classes %v, configured %v", a.Classes, c.cfg.Classes)
	case a.ImageSize != c.backbone.InputSize():
		return errors.Wrapf(ErrIncompatibleArtifact, "image size %d, backbone takes %d", a.ImageSize, c.backbone.InputSize())
	case a.FeatureDim != c.backbone.FeatureDim():
		return errors.Wrapf(ErrIncompatibleArtifact, "feature dim %d, backbone produces %d", a.FeatureDim, c.backbone.FeatureDim())
	case a.Hidden != c.cfg.Model.DenseUnits:
		return errors.Wrapf(ErrIncompatibleArtifact, "dense units %d, configured %d", a.Hidden, c.cfg.Model.DenseUnits)
	case a.Backbone != c.backbone.Name():
		return errors.Wrapf(ErrIncompatibleArtifact, "trained on backbone %q, loaded %q", a.Backbone, c.backbone.Name())
	}
	return nil
}

func encodeArtifact(payload []byte) []byte {
	out := make([]byte, headerLen, headerLen+len(payload)+checksumLen)
	copy(out, artifactMagic[:])
	binary.BigEndian.PutUint32(out[8:12], ArtifactVersion)
	binary.BigEndian.PutUint64(out[12:20], uint64(len(payload)))
	out = append(out, payload...)
	sum := sha256.Sum256(payload)
	return append(out, sum[:]...)
}

func decodeArtifact(data []byte) ([]byte, error) {
	if len(data) < headerLen+checksumLen {
		return nil, errors.Wrapf(ErrCorruptArtifact, "%d bytes is too short", len(data))
	}
	if !bytes.Equal(data[:8], artifactMagic[:]) {
		return nil, errors.Wrap(ErrCorruptArtifact, "bad magic")
	}
	if v := binary.BigEndian.Uint32(data[8:12]); v != ArtifactVersion {
		return nil, errors.Wrapf(ErrIncompatibleArtifact, "version %d, supported %d", v, ArtifactVersion)
	}
	n := binary.BigEndian.Uint64(data[12:20])
	if n != uint64(len(data)-headerLen-checksumLen) {
		return nil, errors.Wrapf(ErrCorruptArtifact, "payload length %d, file holds %d", n, len(data)-headerLen-checksumLen)
	}

	payload := data[headerLen : headerLen+int(n)]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], data[headerLen+int(n):]) {
		return nil, errors.Wrap(ErrCorruptArtifact, "checksum mismatch")
	}
	return payload, nil
}
