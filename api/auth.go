package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"tuyalink/config"
)

const (
	sessionName    = "tuyalink_session"
	sessionUserKey = "username"
)

// sessionStore wraps gorilla's cookie store for the control API.
type sessionStore struct {
	store *sessions.CookieStore
}

// newSessionStore creates a session store keyed by secret, generating a
// random key if the secret is absent or too short.
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get retrieves the session from the request. Gorilla's CookieStore.Get may
// return a decode error for stale cookies (e.g. after secret rotation) but
// always returns a usable session, so the error is ignored.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

// getUser returns the authenticated username from the session, if any.
func (s *sessionStore) getUser(r *http.Request) (string, bool) {
	session := s.get(r)
	user, ok := session.Values[sessionUserKey].(string)
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

// setUser stores the username in the session.
func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	return session.Save(r, w)
}

// clear removes the user from the session.
func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash for storing in the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// findUser looks a username up in the configured account list.
func findUser(users []config.UserConfig, username string) (config.UserConfig, bool) {
	for _, u := range users {
		if u.Username == username {
			return u, true
		}
	}
	return config.UserConfig{}, false
}
