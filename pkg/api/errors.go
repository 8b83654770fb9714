package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Code     string                 `json:"code,omitempty"`
	Class    engine.ErrorClass      `json:"class,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Decision is the recorded decision when a gate was already decided.
	Decision *engine.ApprovalRecord `json:"decision,omitempty"`
}

// unprocessable lists codes for requests that are well formed but cannot be
// carried out against the configured catalog.
var unprocessable = map[string]bool{
	engine.ErrCodeNoFulfillmentRegistered: true,
	engine.ErrCodeUnknownCondition:        true,
	engine.ErrCodeCyclicDependency:        true,
	engine.ErrCodeDanglingPrecondition:    true,
	engine.ErrCodeDuplicateGoalName:       true,
}

// statusOf maps an error to an HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}

	switch ee.Code {
	case engine.ErrCodeNotFound, engine.ErrCodeUnknownChangeEvent, engine.ErrCodeUnknownGoal:
		return http.StatusNotFound
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	}
	if unprocessable[ee.Code] {
		return http.StatusUnprocessableEntity
	}

	switch ee.Class {
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassPermanent:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Error = ee.Message
		resp.Code = ee.Code
		resp.Class = ee.Class
		resp.Resource = ee.Resource
		resp.Details = ee.Details
	}
	return resp
}

// abort writes err as the response and stops the handler chain.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusOf(err), errorResponse(err))
}

func badRequest(c *gin.Context, err error) {
	abort(c, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation))
}
