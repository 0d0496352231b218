package room

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// setPasswordRequest is the body of POST /api/room/set-password.
type setPasswordRequest struct {
	PasswordHash string `json:"passwordHash"`
}

type setPasswordResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type checkPasswordResponse struct {
	HasPassword bool `json:"hasPassword"`
}

// RegisterRoutes wires the room password API onto r.
func (m *Manager) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/room/set-password", m.handleSetPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/room/check-password", m.handleCheckPassword).Methods(http.MethodGet)
}

func (m *Manager) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("room")
	if code == "" {
		http.Error(w, "missing room query parameter", http.StatusBadRequest)
		return
	}

	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := m.SetPassword(code, req.PasswordHash); err != nil {
		json.NewEncoder(w).Encode(setPasswordResponse{Success: false, Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(setPasswordResponse{Success: true})
}

func (m *Manager) handleCheckPassword(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("room")
	if code == "" {
		http.Error(w, "missing room query parameter", http.StatusBadRequest)
		return
	}

	hasPassword := false
	if rm, ok := m.Get(NormalizeCode(code)); ok {
		hasPassword = rm.HasPassword()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(checkPasswordResponse{HasPassword: hasPassword})
}
