package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/scuteapp/scute/internal/auth"
	"github.com/scuteapp/scute/internal/devices"
	"github.com/scuteapp/scute/internal/remote"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	handler http.Handler
	issuer  *auth.DeviceTokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&remote.ServerRecord{}, &devices.Device{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := remote.NewService(remote.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build remote service: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build device registry: %v", err)
	}
	issuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "scute-server",
		Audience:      "scute-sync",
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		RemoteService:  service,
		Devices:        registry,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &fixture{handler: handler, issuer: issuer}
}

func (f *fixture) token(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueDeviceToken(context.Background(), auth.DeviceClaims{UserID: userID, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, target, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body != nil {
		request = httptest.NewRequest(method, target, bytes.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	} else {
		request = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpointIsPublic(t *testing.T) {
	f := newFixture(t)
	recorder := f.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestSyncEndpointsRequireBearerToken(t *testing.T) {
	f := newFixture(t)
	if recorder := f.do(t, http.MethodGet, "/api/sync/pull", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := f.do(t, http.MethodGet, "/api/sync/pull", "not-a-jwt", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", recorder.Code)
	}
}

func TestPushRejectsUnknownTable(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")
	body := []byte(`{"operation":"CREATE","recordId":"x1","payload":{}}`)
	recorder := f.do(t, http.MethodPost, "/api/sync/enclosures", token, body)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown table, got %d", recorder.Code)
	}
}

func TestPushRejectsInvalidOperation(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")
	body := []byte(`{"operation":"MERGE","recordId":"x1","payload":{}}`)
	recorder := f.do(t, http.MethodPost, "/api/sync/animals", token, body)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid operation, got %d", recorder.Code)
	}
}

func TestPushRejectsMissingRecordID(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")
	body := []byte(`{"operation":"CREATE","payload":{}}`)
	recorder := f.do(t, http.MethodPost, "/api/sync/animals", token, body)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing record id, got %d", recorder.Code)
	}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")

	body := []byte(`{"operation":"CREATE","recordId":"f1","payload":{"animalId":"a1","preyType":"Mouse","fedAt":1}}`)
	recorder := f.do(t, http.MethodPost, "/api/sync/feedings", token, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for push, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/api/sync/pull?since=0", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for pull, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response map[string]json.RawMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode pull response: %v", err)
	}
	for _, table := range []string{"animals", "feedings", "sheds", "measurements", "environments", "photos", "serverTimestamp"} {
		if _, found := response[table]; !found {
			t.Fatalf("pull response missing %q key: %s", table, recorder.Body.String())
		}
	}

	var feedings []map[string]interface{}
	if err := json.Unmarshal(response["feedings"], &feedings); err != nil {
		t.Fatalf("failed to decode feedings bundle: %v", err)
	}
	if len(feedings) != 1 || feedings[0]["id"] != "f1" || feedings[0]["preyType"] != "Mouse" {
		t.Fatalf("unexpected feedings bundle: %v", feedings)
	}
	if _, found := feedings[0]["updatedAt"]; !found {
		t.Fatalf("pulled record missing updatedAt: %v", feedings[0])
	}
}

func TestPullRejectsNegativeSince(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")
	recorder := f.do(t, http.MethodGet, "/api/sync/pull?since=-5", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative since, got %d", recorder.Code)
	}
}

func TestPullIsolatesUsers(t *testing.T) {
	f := newFixture(t)
	firstToken := f.token(t, "user-1", "phone-1")
	secondToken := f.token(t, "user-2", "phone-2")

	body := []byte(`{"operation":"CREATE","recordId":"a1","payload":{"name":"Nyx"}}`)
	if recorder := f.do(t, http.MethodPost, "/api/sync/animals", firstToken, body); recorder.Code != http.StatusOK {
		t.Fatalf("push failed: %d", recorder.Code)
	}

	recorder := f.do(t, http.MethodGet, "/api/sync/pull?since=0", secondToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("pull failed: %d", recorder.Code)
	}
	var response struct {
		Animals []json.RawMessage `json:"animals"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Animals) != 0 {
		t.Fatalf("user-2 must not see user-1 records: %s", recorder.Body.String())
	}
}

func TestDevicesEndpointListsSeenDevices(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", "phone-1")

	if recorder := f.do(t, http.MethodGet, "/api/sync/pull?since=0", token, nil); recorder.Code != http.StatusOK {
		t.Fatalf("pull failed: %d", recorder.Code)
	}

	recorder := f.do(t, http.MethodGet, "/api/devices", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for devices, got %d", recorder.Code)
	}
	var response struct {
		Devices []struct {
			DeviceID     string `json:"device_id"`
			RequestCount int64  `json:"request_count"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode devices response: %v", err)
	}
	if len(response.Devices) != 1 || response.Devices[0].DeviceID != "phone-1" {
		t.Fatalf("unexpected devices payload: %s", recorder.Body.String())
	}
	if response.Devices[0].RequestCount < 1 {
		t.Fatalf("expected request count recorded: %+v", response.Devices[0])
	}
}
