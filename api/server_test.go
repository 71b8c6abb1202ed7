package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tuyalink/config"
)

type fakeBackend struct {
	devices  map[string]DeviceInfo
	lastCmd  uint32
	lastData json.RawMessage
	cmdErr   error
}

func (f *fakeBackend) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeBackend) Device(ip string) (DeviceInfo, bool) {
	d, ok := f.devices[ip]
	return d, ok
}

func (f *fakeBackend) SendCommand(ip string, cmd uint32, data json.RawMessage) (json.RawMessage, error) {
	if _, ok := f.devices[ip]; !ok {
		return nil, ErrUnknownDevice
	}
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	f.lastCmd = cmd
	f.lastData = data
	return json.RawMessage(`{"dps":{"20":true}}`), nil
}

func newTestServer(t *testing.T, backend *fakeBackend) *Server {
	t.Helper()
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.APIConfig{
		Listen: "127.0.0.1:0",
		Users:  []config.UserConfig{{Username: "admin", PasswordHash: hash}},
	}
	return NewServer(cfg, backend, nil)
}

func login(t *testing.T, srv *Server) []*http.Cookie {
	t.Helper()
	body := bytes.NewBufferString(`{"username":"admin","password":"hunter2"}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
	return rec.Result().Cookies()
}

func TestListDevices(t *testing.T) {
	backend := &fakeBackend{devices: map[string]DeviceInfo{
		"10.0.0.5": {IP: "10.0.0.5", Name: "lamp", State: "idle", Connected: true},
	}}
	srv := newTestServer(t, backend)

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].IP != "10.0.0.5" || !got[0].Connected {
		t.Errorf("devices = %+v", got)
	}
}

func TestListDevicesEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{devices: map[string]DeviceInfo{}})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)

	if body := bytes.TrimSpace(rec.Body.Bytes()); string(body) != "[]" {
		t.Errorf("empty registry body = %s, want []", body)
	}
}

func TestGetDevice(t *testing.T) {
	backend := &fakeBackend{devices: map[string]DeviceInfo{
		"10.0.0.5": {IP: "10.0.0.5", Name: "lamp", State: "disconnected"},
	}}
	srv := newTestServer(t, backend)

	req := httptest.NewRequest(http.MethodGet, "/devices/10.0.0.5", nil)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/devices/10.0.0.99", nil)
	rec = httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", rec.Code)
	}
}

func TestCommandRequiresSession(t *testing.T) {
	backend := &fakeBackend{devices: map[string]DeviceInfo{
		"10.0.0.5": {IP: "10.0.0.5"},
	}}
	srv := newTestServer(t, backend)

	body := bytes.NewBufferString(`{"cmd":7,"data":{"20":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/devices/10.0.0.5/command", body)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated command status = %d, want 401", rec.Code)
	}
}

func TestCommandWithSession(t *testing.T) {
	backend := &fakeBackend{devices: map[string]DeviceInfo{
		"10.0.0.5": {IP: "10.0.0.5"},
	}}
	srv := newTestServer(t, backend)
	cookies := login(t, srv)

	body := bytes.NewBufferString(`{"cmd":7,"data":{"20":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/devices/10.0.0.5/command", body)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if backend.lastCmd != 7 {
		t.Errorf("backend received cmd %d, want 7", backend.lastCmd)
	}
	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || len(resp.Data) == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestCommandBackendFailure(t *testing.T) {
	backend := &fakeBackend{
		devices: map[string]DeviceInfo{"10.0.0.5": {IP: "10.0.0.5"}},
		cmdErr:  errors.New("device busy"),
	}
	srv := newTestServer(t, backend)
	cookies := login(t, srv)

	body := bytes.NewBufferString(`{"cmd":7}`)
	req := httptest.NewRequest(http.MethodPost, "/devices/10.0.0.5/command", body)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestBadLogin(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{})

	body := bytes.NewBufferString(`{"username":"admin","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rec.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	backend := &fakeBackend{devices: map[string]DeviceInfo{"10.0.0.5": {IP: "10.0.0.5"}}}
	srv := newTestServer(t, backend)
	cookies := login(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}

	// The cleared cookie no longer authenticates.
	body := bytes.NewBufferString(`{"cmd":7}`)
	req = httptest.NewRequest(http.MethodPost, "/devices/10.0.0.5/command", body)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout command status = %d, want 401", rec.Code)
	}
}
