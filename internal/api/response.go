package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/muaviaUsmani/pantry/internal/executor"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
	"github.com/muaviaUsmani/pantry/internal/scheduler"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// errBadRequest marks malformed requests that never reached the domain layer
var errBadRequest = errors.New("bad request")

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": message}
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps a domain error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, run.ErrNotFound):
		return http.StatusNotFound
	case scheduler.IsInvalid(err), errors.Is(err, run.ErrInvalidFilter), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNoSource), errors.Is(err, executor.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
