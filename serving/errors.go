package serving

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrorCode identifies an error case for API clients.
type ErrorCode string

const (
	CodeInternal         ErrorCode = "1001"
	CodeModelCorrupt     ErrorCode = "1002"
	CodeModelUnavailable ErrorCode = "1003"
	CodeNoImage          ErrorCode = "3001"
	CodeUnsupportedImage ErrorCode = "3002"
	CodeImageTooLarge    ErrorCode = "3003"
	CodeFetchFailed      ErrorCode = "3004"
	CodePrediction       ErrorCode = "4001"
)

// ServeError is an error with the HTTP status and code it is reported with.
type ServeError struct {
	HTTPCode int       `json:"-"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
}

func (e ServeError) Error() string {
	return e.Message
}

// WithMessage returns a copy with a different message.
func (e ServeError) WithMessage(msg string) ServeError {
	e.Message = msg
	return e
}

var (
	ErrInternal         = ServeError{HTTPCode: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
	ErrModelCorrupt     = ServeError{HTTPCode: http.StatusInternalServerError, Code: CodeModelCorrupt, Message: "Model corrupted. Please retrain by running: quicktrain"}
	ErrModelUnavailable = ServeError{HTTPCode: http.StatusServiceUnavailable, Code: CodeModelUnavailable, Message: "model backbone is not available"}
	ErrNoImage          = ServeError{HTTPCode: http.StatusBadRequest, Code: CodeNoImage, Message: "provide an image upload or an image URL"}
	ErrUnsupportedImage = ServeError{HTTPCode: http.StatusUnsupportedMediaType, Code: CodeUnsupportedImage, Message: "only jpg, jpeg and png uploads are accepted"}
	ErrImageTooLarge    = ServeError{HTTPCode: http.StatusRequestEntityTooLarge, Code: CodeImageTooLarge, Message: "image is too large"}
	ErrFetchFailed      = ServeError{HTTPCode: http.StatusBadRequest, Code: CodeFetchFailed, Message: "Failed to load image from URL"}
	ErrPrediction       = ServeError{HTTPCode: http.StatusInternalServerError, Code: CodePrediction, Message: "Error during prediction"}
)

// htmlKey marks requests answered with HTML pages.
const htmlKey = "html"

// Error writes err as JSON or as the HTML error page, depending on the route.
func Error(c *gin.Context, err error) {
	var se ServeError
	if !errors.As(err, &se) {
		se = ErrInternal
	}

	log.WithFields(log.Fields{
		"request_id": c.GetString(requestIDKey),
		"code":       se.Code,
		"status":     se.HTTPCode,
	}).WithError(err).Warn("request failed")

	if c.GetBool(htmlKey) {
		c.HTML(se.HTTPCode, "error.tmpl", gin.H{
			"Message":   se.Message,
			"RequestID": c.GetString(requestIDKey),
		})
		return
	}
	c.JSON(se.HTTPCode, se)
}
