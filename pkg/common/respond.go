package common

import (
	"encoding/json"
	"net/http"
)

type msg struct {
	Message string `json:"message"`
}

// WriteMsg writes `{"message": ...}` with the given status.
func WriteMsg(w http.ResponseWriter, message string, status int) {
	WriteRespJSON(w, msg{Message: message}, status)
}

func WriteRespJSON(w http.ResponseWriter, data any, status int) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
