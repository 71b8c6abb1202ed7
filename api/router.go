package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tuyalink/logging"
)

// router assembles the chi route tree: login/logout and registry reads are
// public; command submission requires an authenticated session.
func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Get("/devices", s.handleListDevices)
	r.Get("/devices/{ip}", s.handleGetDevice)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/devices/{ip}/command", s.handleCommand)
	})

	return r
}

// authMiddleware rejects requests without an authenticated session.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.sessions.getUser(r); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, found := findUser(s.cfg.Users, req.Username)
	if !found || !checkPassword(req.Password, user.PasswordHash) {
		s.sink.Log(logging.LevelWarn, "api", "failed login for %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.sessions.setUser(w, r, user.Username); err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	s.sink.Log(logging.LevelInfo, "api", "login %q from %s", user.Username, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"username": user.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.backend.Devices()
	if devices == nil {
		devices = []DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	info, ok := s.backend.Device(ip)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type commandRequest struct {
	Cmd  uint32          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

type commandResponse struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cmd == 0 {
		writeError(w, http.StatusBadRequest, "cmd is required")
		return
	}

	data, err := s.backend.SendCommand(ip, req.Cmd, req.Data)
	if err != nil {
		if err == ErrUnknownDevice {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Data: data})
}
