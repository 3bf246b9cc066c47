package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "kabu-trader/internal/errors"
)

// Response is the envelope of every bridge reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is the error part of a Response.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes returned by the bridge.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNoAccount        = "NO_ACTIVE_ACCOUNT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeHoldIDMissing    = "HOLD_ID_MISSING"
	ErrCodeBusy             = "BUSY"
	ErrCodeBrokerAuth       = "BROKER_AUTH_FAILED"
	ErrCodeBroker           = "BROKER_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Success writes a 200 reply.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// Created writes a 201 reply.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

// Fail writes an error reply.
func Fail(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   &Error{Code: code, Message: message, Details: details},
	})
}

// BadRequest writes a 400 reply.
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// fieldError is one validation problem as sent to clients.
type fieldError struct {
	Row     int         `json:"row,omitempty"`
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

// Handle maps an engine error onto a status code and error code.
func Handle(c *gin.Context, err error) {
	var verrs apperrors.ValidationErrors
	var verr *apperrors.ValidationError
	var be *apperrors.BrokerError

	switch {
	case apperrors.As(err, &verrs):
		list := make([]fieldError, len(verrs))
		for i, v := range verrs {
			list[i] = fieldError{Row: v.Row, Field: v.Field, Value: v.Value, Message: v.Message}
		}
		Fail(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, "submission rejected", list)
	case apperrors.As(err, &verr):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, verr.Error(),
			[]fieldError{{Row: verr.Row, Field: verr.Field, Value: verr.Value, Message: verr.Message}})
	case apperrors.Is(err, apperrors.ErrItemNotFound), apperrors.Is(err, apperrors.ErrJobNotFound),
		apperrors.Is(err, apperrors.ErrAccountNotFound):
		Fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
	case apperrors.Is(err, apperrors.ErrNoActiveAccount):
		Fail(c, http.StatusConflict, ErrCodeNoAccount, "no active API account; save one first", nil)
	case apperrors.Is(err, apperrors.ErrHoldIDMissing):
		Fail(c, http.StatusConflict, ErrCodeHoldIDMissing, err.Error(), nil)
	case apperrors.Is(err, apperrors.ErrInvalidTransition), apperrors.Is(err, apperrors.ErrStaleState):
		Fail(c, http.StatusConflict, ErrCodeInvalidState, err.Error(), nil)
	case apperrors.Is(err, apperrors.ErrTickInProgress):
		Fail(c, http.StatusConflict, ErrCodeBusy, err.Error(), nil)
	case apperrors.Is(err, apperrors.ErrNotAuthenticated):
		Fail(c, http.StatusBadGateway, ErrCodeBrokerAuth, err.Error(), hint(be, err))
	case apperrors.As(err, &be), apperrors.IsTransient(err):
		Fail(c, http.StatusBadGateway, ErrCodeBroker, err.Error(), hint(be, err))
	default:
		Fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error(), nil)
	}
}

func hint(be *apperrors.BrokerError, err error) interface{} {
	if be == nil && !apperrors.As(err, &be) {
		return nil
	}
	if be.Hint == "" {
		return nil
	}
	return gin.H{"broker_code": be.Code, "hint": be.Hint}
}
