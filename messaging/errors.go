// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"net/http"
)

// MatrixError represents a structured error response from the Matrix homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeMissingParam  = "M_MISSING_PARAM"
	ErrCodeRoomInUse     = "M_ROOM_IN_USE"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsUnreachable reports whether err indicates that a room cannot be
// accessed by this user: the server denied access (M_FORBIDDEN / 403)
// or no longer knows the room (M_NOT_FOUND / 404). These are the
// signals that a stored room binding has gone stale.
func IsUnreachable(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	switch matrixErr.Code {
	case ErrCodeForbidden, ErrCodeNotFound:
		return true
	}
	switch matrixErr.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
