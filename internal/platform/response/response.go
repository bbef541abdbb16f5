// Package response provides standardized HTTP response helpers
package response

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error payload
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError carries an HTTP status alongside a stable error code
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a specific message
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{StatusCode: e.StatusCode, Code: e.Code, Message: message}
}

// Error taxonomy for the scheduler surface
var (
	ErrBadRequest = &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
	}

	ErrInvalidState = &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_STATE",
		Message:    "Operation not valid for the resource's current state",
	}

	ErrForbidden = &APIError{
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    "Access denied",
	}

	ErrNotFound = &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
	}

	ErrInternal = &APIError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "Internal server error",
	}
)

// JSON sends a JSON response
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// Error sends an error response
func Error(w http.ResponseWriter, err *APIError) {
	JSON(w, err.StatusCode, map[string]*ErrorBody{
		"error": {Code: err.Code, Message: err.Message},
	})
}
