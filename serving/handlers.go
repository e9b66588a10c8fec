package serving

import (
	"encoding/base64"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nvr-ai/petclassifier/classifier"
	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Result is the answer to a classification request.
type Result struct {
	RequestID     string                        `json:"request_id"`
	Label         string                        `json:"label"`
	Confidence    float64                       `json:"confidence"`
	Tier          classifier.ConfidenceTier     `json:"tier"`
	Probabilities []classifier.ClassProbability `json:"probabilities"`
	Demo          bool                          `json:"demo"`
	Model         string                        `json:"model"`
}

// input is a decoded request image with its encoded bytes for the preview.
type input struct {
	image  *images.Image
	data   []byte
	source string
}

type urlRequest struct {
	URL string `json:"url"`
}

// Index renders the upload page.
func (s *Server) Index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.tmpl", gin.H{
		"Accept":  strings.Join(images.UploadExtensions, ","),
		"Classes": s.cfg.Classes,
	})
}

// ClassifyPage classifies a form submission and renders the result page.
func (s *Server) ClassifyPage(c *gin.Context) {
	c.Set(htmlKey, true)

	res, in, err := s.classify(c)
	if err != nil {
		Error(c, err)
		return
	}

	mime := "image/" + string(in.image.Format)
	c.HTML(http.StatusOK, "result.tmpl", gin.H{
		"Result":  res,
		"Preview": template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(in.data)),
	})
}

// ClassifyAPI classifies a multipart upload, a url form field or a JSON {"url": ...} body.
func (s *Server) ClassifyAPI(c *gin.Context) {
	res, _, err := s.classify(c)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Healthz reports liveness and the model state.
func (s *Server) Healthz(c *gin.Context) {
	var state string
	switch m, err := s.models.Current(); {
	case err == nil:
		state = m.State()
	case isCorrupt(err):
		state = StateCorrupt
	default:
		state = StateUnavailable
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": state})
}

func isCorrupt(err error) bool {
	var se ServeError
	return errors.As(err, &se) && se.Code == CodeModelCorrupt
}

func (s *Server) classify(c *gin.Context) (*Result, *input, error) {
	in, err := s.readInput(c)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.models.Current()
	if err != nil {
		return nil, nil, err
	}

	out, err := state.Classify(c.Request.Context(), in.image.Pixels)
	if err != nil {
		return nil, nil, errors.Wrap(ErrPrediction.WithMessage("Error during prediction: "+err.Error()), "classify")
	}

	p := out.Prediction
	res := &Result{
		RequestID:     c.GetString(requestIDKey),
		Label:         p.Label,
		Confidence:    p.Confidence,
		Tier:          classifier.Tier(p.Confidence, s.cfg.Thresholds),
		Probabilities: p.Probabilities,
		Demo:          out.Demo,
		Model:         state.State(),
	}

	log.WithFields(log.Fields{
		"request_id": res.RequestID,
		"source":     in.source,
		"label":      res.Label,
		"confidence": res.Confidence,
		"tier":       res.Tier,
		"demo":       res.Demo,
	}).Info("classified image")
	return res, in, nil
}

// readInput picks the image from the request. The form's "method" field selects
// upload or url; without it an upload wins over a url.
func (s *Server) readInput(c *gin.Context) (*input, error) {
	if c.ContentType() == gin.MIMEJSON {
		var req urlRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
			return nil, ErrNoImage
		}
		return s.fetch(c, req.URL)
	}

	method := c.PostForm("method")
	if method != "url" {
		if fh, err := c.FormFile("image"); err == nil {
			return s.upload(fh)
		}
	}
	if url := strings.TrimSpace(c.PostForm("url")); url != "" {
		return s.fetch(c, url)
	}
	return nil, ErrNoImage
}

func (s *Server) upload(fh *multipart.FileHeader) (*input, error) {
	if !images.AllowedUpload(fh.Filename) {
		return nil, ErrUnsupportedImage
	}
	if limit := s.cfg.Server.MaxUploadBytes; limit > 0 && fh.Size > limit {
		return nil, ErrImageTooLarge
	}

	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(ErrInternal, err.Error())
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(ErrInternal, err.Error())
	}
	img, err := images.DecodeBytes(data, images.FormatJPEG, images.FormatPNG)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedImage.WithMessage("could not read the uploaded image"), err.Error())
	}
	return &input{image: img, data: data, source: "upload:" + fh.Filename}, nil
}

func (s *Server) fetch(c *gin.Context, url string) (*input, error) {
	img, data := s.fetcher.Image(c.Request.Context(), url)
	if img == nil {
		return nil, ErrFetchFailed
	}
	return &input{image: img, data: data, source: "url:" + url}, nil
}
