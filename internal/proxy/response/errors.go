package response

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/guided-traffic/s3-bucket-proxy/internal/bucket"
	"github.com/guided-traffic/s3-bucket-proxy/internal/directory"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/middleware"
	"github.com/guided-traffic/s3-bucket-proxy/internal/sigv4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEntityTooLarge is returned when a body that must be hashed exceeds the buffer limit.
	ErrEntityTooLarge = errors.New("request body too large to buffer")
	// ErrBadGateway is returned when the upstream endpoint could not be reached.
	ErrBadGateway = errors.New("upstream unreachable")
)

// S3Error is the status and code a pipeline error is reported with.
type S3Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Classify maps an error to the S3 error sent to the client.
// Messages are generic; details stay in the server log.
func Classify(err error) S3Error {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return S3Error{http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist"}
	case errors.Is(err, bucket.ErrConfigInvalid):
		return S3Error{http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again."}
	case errors.Is(err, sigv4.ErrAuthMissing):
		return S3Error{http.StatusForbidden, "AccessDenied", "Access Denied"}
	case errors.Is(err, sigv4.ErrAuthMalformed):
		return S3Error{http.StatusBadRequest, "AuthorizationHeaderMalformed", "The authorization header is malformed"}
	case errors.Is(err, sigv4.ErrAuthInvalid):
		return S3Error{http.StatusForbidden, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided"}
	case errors.Is(err, sigv4.ErrRequestTimeTooSkewed):
		return S3Error{http.StatusForbidden, "RequestTimeTooSkewed", "The difference between the request time and the server's time is too large"}
	case errors.Is(err, ErrEntityTooLarge):
		return S3Error{http.StatusRequestEntityTooLarge, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed size"}
	case errors.Is(err, ErrBadGateway):
		return S3Error{http.StatusBadGateway, "BadGateway", "The upstream storage endpoint could not be reached"}
	default:
		return S3Error{http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again."}
	}
}

type errorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId,omitempty"`
}

// ErrorWriter handles S3 error responses
type ErrorWriter struct {
	logger *logrus.Entry
}

// NewErrorWriter creates a new error response writer
func NewErrorWriter(logger *logrus.Entry) *ErrorWriter {
	return &ErrorWriter{
		logger: logger,
	}
}

// WriteS3Error classifies err, logs it with its full detail and writes the S3 error body
func (e *ErrorWriter) WriteS3Error(w http.ResponseWriter, r *http.Request, err error, resource string) {
	s3err := Classify(err)
	requestID := middleware.RequestIDFromContext(r.Context())

	logEntry := e.logger.WithError(err).WithFields(logrus.Fields{
		"request_id":  requestID,
		"resource":    resource,
		"error_code":  s3err.Code,
		"status_code": s3err.StatusCode,
	})
	if s3err.StatusCode >= 500 {
		logEntry.Error("Request failed")
	} else {
		logEntry.Warn("Request rejected")
	}

	e.write(w, requestID, s3err.StatusCode, errorBody{
		Code:      s3err.Code,
		Message:   s3err.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

func (e *ErrorWriter) write(w http.ResponseWriter, requestID string, statusCode int, body errorBody) {
	w.Header().Set("Content-Type", "application/xml")
	if requestID != "" {
		w.Header().Set(middleware.RequestIDHeader, requestID)
	}
	w.WriteHeader(statusCode)

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		e.logger.WithError(err).Error("Failed to write error response")
		return
	}
	if err := xml.NewEncoder(w).Encode(body); err != nil {
		e.logger.WithError(err).Error("Failed to write error response")
	}
}
