package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/database"
	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/MarcoPoloResearchLab/bluenote/internal/transport"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubRunner struct {
	report notesync.RoundReport
	err    error
	calls  int
}

func (s *stubRunner) SyncAll(context.Context) (notesync.RoundReport, error) {
	s.calls++
	return s.report, s.err
}

// echoCompanion answers every frame with a response carrying the same id.
type echoCompanion struct {
	mu     sync.Mutex
	served int
}

func (e *echoCompanion) Serve(_ context.Context, conn transport.Conn) error {
	defer conn.Close()
	e.mu.Lock()
	e.served++
	e.mu.Unlock()
	for {
		var msg transport.Msg
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		if err := conn.WriteJSON(transport.Msg{Type: transport.MsgResponse, ID: msg.ID}); err != nil {
			return err
		}
	}
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type testEnv struct {
	handler  http.Handler
	runner   *stubRunner
	realtime *RealtimeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	cfg := notes.ServiceConfig{Database: db, IDProvider: &sequentialIDs{}}
	threads, err := notes.NewThreadService(cfg)
	if err != nil {
		t.Fatalf("failed to create thread service: %v", err)
	}
	noteService, err := notes.NewNoteService(cfg)
	if err != nil {
		t.Fatalf("failed to create note service: %v", err)
	}
	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database:   db,
		DeviceName: "desktop",
		NewID:      func() (string, error) { return "desktop-id", nil },
	})
	if err != nil {
		t.Fatalf("failed to create device service: %v", err)
	}

	env := &testEnv{runner: &stubRunner{}, realtime: NewRealtimeDispatcher()}
	env.handler, err = NewHTTPHandler(Dependencies{
		Threads:           threads,
		Notes:             noteService,
		Devices:           deviceService,
		Sync:              env.runner,
		Companion:         &echoCompanion{},
		Realtime:          env.realtime,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return env
}

// do sends a request and decodes a JSON body into out when out is not nil.
func (e *testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, recorder.Body.String(), err)
		}
	}
	return recorder.Code
}

type errorBody struct {
	Error string `json:"error"`
}
