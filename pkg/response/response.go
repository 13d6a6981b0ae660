// Package response writes the control API's JSON envelope. Engine errors are
// reported with their kind so callers can branch on it rather than on text.
package response

import (
	"encoding/json"
	"net/http"

	"bizsync-p2p/internal/domain"
)

type Response struct {
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func JSON(w http.ResponseWriter, statusCode int, data any) {
	write(w, statusCode, Response{Success: statusCode < 400, Data: data})
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	write(w, statusCode, Response{Error: err})
}

func BadRequest(w http.ResponseWriter, err string) {
	write(w, http.StatusBadRequest, Response{Error: err, Kind: domain.KindValidation})
}

func Unauthorized(w http.ResponseWriter, err string) {
	write(w, http.StatusUnauthorized, Response{Error: err, Kind: domain.KindAuthentication})
}

func NotFound(w http.ResponseWriter, err string) {
	write(w, http.StatusNotFound, Response{Error: err, Kind: domain.KindNotFound})
}

// StatusFor maps an engine error kind onto an HTTP status code.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindSession:
		return http.StatusConflict
	case domain.KindAuthentication:
		return http.StatusForbidden
	case domain.KindResolution:
		return http.StatusUnprocessableEntity
	case domain.KindTransport, domain.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Fail writes err with the status and kind it maps to. Internal errors are
// reported without detail.
func Fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := Response{Error: err.Error(), Kind: domain.KindOf(err)}
	if status == http.StatusInternalServerError {
		body.Error = "Internal error"
	}
	write(w, status, body)
}
