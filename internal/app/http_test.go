package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sharedstate/server/internal/hub"
	"sharedstate/server/internal/mapping"
)

func newHTTPTestServer(t *testing.T, mapper *fakeMapper) *httptest.Server {
	t.Helper()
	svc, _ := newTestService(testConfig(), mapper, &fakeStates{}, hub.New())
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newHTTPTestServer(t, &fakeMapper{})

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("missing CORS header, got %q", origin)
	}
}

func TestReadyWithoutBackendIsOK(t *testing.T) {
	server := newHTTPTestServer(t, &fakeMapper{})

	resp, err := http.Get(server.URL + "/api/ready")
	if err != nil {
		t.Fatalf("GET /api/ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d", resp.StatusCode)
	}
}

func TestMappingEndpoint(t *testing.T) {
	mapper := &fakeMapper{lookup: func(req mapping.Request) (mapping.Result, error) {
		if req.GroupID != "" {
			return mapping.Result{Group: "grp-chan"}, nil
		}
		return mapping.Result{UserApp: "ua-chan"}, nil
	}}
	server := newHTTPTestServer(t, mapper)

	resp := postJSON(t, server.URL+"/api/mapping", MappingRequest{UserID: "u1", AppID: "a1", GroupID: "g1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mapping status = %d", resp.StatusCode)
	}
	var body MappingResponse
	decodeJSON(t, resp, &body)
	if body.UserApp != "ua-chan" || body.Group != "grp-chan" {
		t.Errorf("unexpected mapping response: %+v", body)
	}
}

func TestMappingEndpointRejectsEmptyRequest(t *testing.T) {
	server := newHTTPTestServer(t, &fakeMapper{})

	resp := postJSON(t, server.URL+"/api/mapping", MappingRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty mapping request status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &body)
	if body.Error != "invalid mapping request (2)" {
		t.Errorf("unexpected error message: %q", body.Error)
	}
}

func TestAuthAndSessionEndpoints(t *testing.T) {
	server := newHTTPTestServer(t, &fakeMapper{})

	resp := postJSON(t, server.URL+"/api/auth/signup", map[string]string{
		"userId": "alice", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/auth/signin", map[string]string{
		"userId": "alice", "password": "nope",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/auth/signin", map[string]string{
		"userId": "alice", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin status = %d", resp.StatusCode)
	}
	var session struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		UserID       string `json:"userId"`
	}
	decodeJSON(t, resp, &session)
	if session.Token == "" || session.RefreshToken == "" || session.UserID != "alice" {
		t.Fatalf("incomplete session payload: %+v", session)
	}

	resp = postJSON(t, server.URL+"/api/session/refresh", map[string]string{
		"refreshToken": session.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var rotated struct {
		RefreshToken string `json:"refreshToken"`
	}
	decodeJSON(t, resp, &rotated)
	if rotated.RefreshToken == session.RefreshToken {
		t.Error("refresh must rotate the token")
	}

	resp = postJSON(t, server.URL+"/api/session/refresh", map[string]string{
		"refreshToken": session.RefreshToken,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("consumed refresh token status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/session/logout", map[string]string{
		"refreshToken": rotated.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("logout status = %d", resp.StatusCode)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newHTTPTestServer(t, &fakeMapper{})

	resp, err := http.Get(server.URL + "/api/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route status = %d", resp.StatusCode)
	}
}
