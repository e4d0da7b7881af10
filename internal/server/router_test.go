package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/gin-gonic/gin"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingThreadService) {
		t.Fatalf("expected missing thread service, got %v", err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{notes.ErrThreadNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", notes.ErrNoteNotFound), http.StatusNotFound},
		{devices.ErrDeviceNotFound, http.StatusNotFound},
		{notes.ErrNestedTree, http.StatusBadRequest},
		{notes.ErrInvalidPage, http.StatusBadRequest},
		{devices.ErrSelfPairing, http.StatusBadRequest},
		{notes.ErrMustTrashFirst, http.StatusConflict},
		{notes.ErrNoteRemoved, http.StatusConflict},
		{notes.ErrNotInTrash, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		if got := errorStatus(testCase.err); got != testCase.status {
			t.Fatalf("%v: expected %d, got %d", testCase.err, testCase.status, got)
		}
	}
}

func TestCORSMiddlewareAllowsMutatingMethods(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/threads/1", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/threads/1", http.NoBody)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPatch)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch) {
		t.Fatalf("expected PATCH to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	if code := env.do(t, http.MethodGet, "/healthz", "", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, body)
	}
}

func TestSyncEndpointReturnsRoundReport(t *testing.T) {
	env := newTestEnv(t)
	env.runner.report = notesync.RoundReport{
		Peers: []notesync.PeerReport{{DeviceID: "phone", Status: notesync.StatusOK, Changes: 3}},
	}

	var report notesync.RoundReport
	if code := env.do(t, http.MethodPost, "/sync", "", &report); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if env.runner.calls != 1 {
		t.Fatalf("expected one sync round, got %d", env.runner.calls)
	}
	if len(report.Peers) != 1 || report.Peers[0].DeviceID != "phone" || report.Peers[0].Changes != 3 {
		t.Fatalf("unexpected report %+v", report)
	}

	env.runner.err = errors.New("database locked")
	var failure errorBody
	if code := env.do(t, http.MethodPost, "/sync", "", &failure); code != http.StatusInternalServerError || failure.Error != "sync_failed" {
		t.Fatalf("unexpected failure response %d %+v", code, failure)
	}
}

func TestDeviceRoutes(t *testing.T) {
	env := newTestEnv(t)

	var self map[string]string
	if code := env.do(t, http.MethodGet, "/devices/self", "", &self); code != http.StatusOK || self["device_id"] != "desktop-id" {
		t.Fatalf("unexpected self response %d %v", code, self)
	}

	var paired devicePayload
	code := env.do(t, http.MethodPut, "/devices/phone", `{"name":"Phone","address":"http://10.0.0.2:7817"}`, &paired)
	if code != http.StatusOK || !paired.SyncEnabled || paired.Address != "http://10.0.0.2:7817" || paired.SyncedAt != nil {
		t.Fatalf("unexpected pair response %d %+v", code, paired)
	}

	var failure errorBody
	if code := env.do(t, http.MethodPut, "/devices/desktop-id", `{"name":"me","address":"http://localhost"}`, &failure); code != http.StatusBadRequest || failure.Error != "self_pairing" {
		t.Fatalf("expected self pairing rejection, got %d %+v", code, failure)
	}

	if code := env.do(t, http.MethodDelete, "/devices/phone", "", nil); code != http.StatusNoContent {
		t.Fatalf("expected 204 on unpair, got %d", code)
	}
	if code := env.do(t, http.MethodDelete, "/devices/ghost", "", &failure); code != http.StatusNotFound || failure.Error != "device_not_found" {
		t.Fatalf("expected 404 for unknown device, got %d %+v", code, failure)
	}

	var list struct {
		Devices []devicePayload `json:"devices"`
	}
	if code := env.do(t, http.MethodGet, "/devices", "", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(list.Devices) != 1 || list.Devices[0].SyncEnabled {
		t.Fatalf("expected one disabled device, got %+v", list.Devices)
	}
}
