// Package apperror defines the closed set of error kinds the HTTP surface
// can produce and an Echo error handler that maps them to status codes,
// mirroring http/server.go's CustomHTTPErrorHandler/ErrorResponse shape.
package apperror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Kind is the closed set of application error kinds.
type Kind string

const (
	EntityNotFound    Kind = "EntityNotFound"
	Unauthorized      Kind = "Unauthorized"
	InvalidToken      Kind = "InvalidToken"
	Forbidden         Kind = "Forbidden"
	NotAnImage        Kind = "NotAnImage"
	InvalidZip        Kind = "InvalidZip"
	MultipartMissing  Kind = "MultipartMissing"
	Database          Kind = "Database"
	IO                Kind = "Io"
	BrokerController  Kind = "BrokerController"
	ToolResponseError Kind = "ToolResponseError"
)

// statusCodes maps each kind to its HTTP status. ToolResponseError has no
// entry: it is only ever surfaced through a push notification, never HTTP.
var statusCodes = map[Kind]int{
	EntityNotFound:   http.StatusNotFound,
	Unauthorized:     http.StatusUnauthorized,
	InvalidToken:     http.StatusUnauthorized,
	Forbidden:        http.StatusForbidden,
	NotAnImage:       http.StatusBadRequest,
	InvalidZip:       http.StatusBadRequest,
	MultipartMissing: http.StatusBadRequest,
	Database:         http.StatusInternalServerError,
	IO:               http.StatusInternalServerError,
	BrokerController: http.StatusInternalServerError,
}

// Error wraps an underlying cause with a kind tag and a message safe to
// return to the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of kind with message and no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of kind carrying cause as its underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// genericInternalMessage is returned for Database/BrokerController kinds
// and for anything unclassified, so internal error text never reaches the
// client.
const genericInternalMessage = "internal error"

// HTTPErrorHandler returns an Echo error handler that type-switches on
// apperror.Error's kind to pick a status code, logging the underlying
// cause for Database/BrokerController/unclassified errors before writing
// the generic client-facing body.
func HTTPErrorHandler(log *logrus.Entry) echo.HTTPErrorHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var appErr *Error
		if errors.As(err, &appErr) {
			status, ok := statusCodes[appErr.Kind]
			if !ok {
				status = http.StatusInternalServerError
			}

			message := appErr.Message
			if appErr.Kind == Database || appErr.Kind == BrokerController {
				log.WithError(appErr.Cause).WithField("kind", appErr.Kind).Error("internal error serving request")
				message = genericInternalMessage
			}

			writeErr := c.JSON(status, map[string]string{"error": message})
			if writeErr != nil {
				log.WithError(writeErr).Error("failed to write error response")
			}
			return
		}

		if he, ok := err.(*echo.HTTPError); ok {
			message := http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
			if writeErr := c.JSON(he.Code, map[string]string{"error": message}); writeErr != nil {
				log.WithError(writeErr).Error("failed to write error response")
			}
			return
		}

		log.WithError(err).Error("unclassified error serving request")
		if writeErr := c.JSON(http.StatusInternalServerError, map[string]string{"error": genericInternalMessage}); writeErr != nil {
			log.WithError(writeErr).Error("failed to write error response")
		}
	}
}
