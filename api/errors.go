package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/devicegate/channel"
	"github.com/jmcleod/devicegate/credential"
	"github.com/jmcleod/devicegate/mfa"
	"github.com/jmcleod/devicegate/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Message: msg})
}

// mapError writes the status for err. Session errors share one message so
// an expired session is indistinguishable from one that never existed.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mfa.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, mfa.ErrInvalidSession.Error())
	case errors.Is(err, mfa.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, mfa.ErrInvalidCredential.Error())
	case errors.Is(err, mfa.ErrInvalidOneTimeKey):
		writeError(w, http.StatusUnauthorized, mfa.ErrInvalidOneTimeKey.Error())
	case errors.Is(err, mfa.ErrFactorOrderViolation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mfa.ErrSessionComplete):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, credential.ErrInvalidDeviceID), errors.Is(err, credential.ErrEmptySecret):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, credential.ErrStoreCapacityExceeded):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, channel.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
