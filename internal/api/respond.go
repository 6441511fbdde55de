package api

import (
	"encoding/json"
	"net/http"

	logx "notifyd/pkg/logx"
)

// errorBody mirrors the {"detail": ...} shape clients already parse.
type errorBody struct {
	Detail string            `json:"detail"`
	Errors map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, log logx.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		log.Debug("write response failed", logx.Err(err))
	}
}

func writeError(w http.ResponseWriter, log logx.Logger, status int, detail string) {
	writeJSON(w, log, status, errorBody{Detail: detail})
}
