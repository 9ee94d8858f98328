package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mediasearch/internal/api/middleware"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Kind      domain.ErrorKind `json:"kind,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindFatal:
		return http.StatusBadRequest
	case domain.KindResourceExhausted:
		return http.StatusTooManyRequests
	case domain.KindRetryable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	log := middleware.GetLogger(c).WithError(err).WithField("http_status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Warn("Request rejected")
	}

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		Kind:      domain.KindOf(err),
		RequestID: logger.GetRequestID(c.Request.Context()),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Kind: domain.KindFatal})
}
