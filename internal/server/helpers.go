package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodyBytes caps trigger payloads.
const maxBodyBytes = 1 << 20

// ErrorResponse is the error format for non-pipeline failures.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusResponse is the pipeline-shaped error body for requests that never
// reached a run.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// WriteStatusError writes {"status":"error","message":...}.
func WriteStatusError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, StatusResponse{Status: "error", Message: message})
}

// readBody reads the request body up to maxBodyBytes. A missing body reads
// as empty.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body too large")
		}
		return nil, err
	}
	return data, nil
}
