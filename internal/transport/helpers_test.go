package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/auth"
	"github.com/MarcoPoloResearchLab/bluenote/internal/database"
	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// chanConn is an in-memory Conn for testing.
type chanConn struct {
	in         <-chan json.RawMessage
	out        chan<- json.RawMessage
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

func (c *chanConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-c.in:
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		// Frames written before the peer closed are still delivered.
		select {
		case raw := <-c.in:
			return json.Unmarshal(raw, v)
		default:
			return ErrClosed
		}
	}
}

func (c *chanConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		return ErrClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// connPair returns two connected chanConns.
func connPair() (*chanConn, *chanConn) {
	aToB := make(chan json.RawMessage, 32)
	bToA := make(chan json.RawMessage, 32)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &chanConn{in: bToA, out: aToB, closed: aClosed, peerClosed: bClosed}
	b := &chanConn{in: aToB, out: bToA, closed: bClosed, peerClosed: aClosed}
	return a, b
}

// sessionStart is the companion clock reading when a session is admitted.
var sessionStart = at(40)

func at(minute int) time.Time {
	return time.Date(2026, 6, 1, 8, minute, 0, 0, time.UTC)
}

func strptr(value string) *string {
	return &value
}

type fixedIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (f *fixedIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("%s-%d", f.prefix, f.next), nil
}

// peer is one device: its store, its device list, and its notes services.
type peer struct {
	id      string
	db      *gorm.DB
	devices *devices.Service
	threads *notes.ThreadService
	notes   *notes.NoteService
	applier *notesync.Applier
	local   *notesync.LocalCompanion
}

func newPeer(t *testing.T, id string) *peer {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), id+".db"), zap.NewNop())
	require.NoError(t, err)

	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database:   db,
		DeviceName: id,
		NewID:      func() (string, error) { return id, nil },
	})
	require.NoError(t, err)

	cfg := notes.ServiceConfig{Database: db, IDProvider: &fixedIDs{prefix: id}}
	threads, err := notes.NewThreadService(cfg)
	require.NoError(t, err)
	noteService, err := notes.NewNoteService(cfg)
	require.NoError(t, err)
	applier, err := notesync.NewApplier(db, zap.NewNop())
	require.NoError(t, err)
	local, err := notesync.NewLocalCompanion(db)
	require.NoError(t, err)

	return &peer{id: id, db: db, devices: deviceService, threads: threads, notes: noteService, applier: applier, local: local}
}

func (p *peer) seed(t *testing.T) {
	t.Helper()
	thread := notes.Thread{
		ID:          "t1",
		Name:        "Recipes",
		DisplayMode: notes.DisplayModeScrap,
		CreatedAt:   at(0),
		UpdatedAt:   at(5),
		ModifiedAt:  at(5),
	}
	gone := notes.Thread{
		ID:          "t2",
		Name:        "Old",
		DisplayMode: notes.DisplayModeMonologue,
		Trash:       true,
		Deleted:     true,
		CreatedAt:   at(1),
		UpdatedAt:   at(6),
		ModifiedAt:  at(6),
	}
	top := notes.Note{ID: "n1", Content: "pancakes", ThreadID: "t1", CreatedAt: at(2), UpdatedAt: at(3), ModifiedAt: at(3)}
	child := notes.Note{ID: "n2", Content: "eggs", ThreadID: "t1", ParentID: strptr("n1"), CreatedAt: at(3), UpdatedAt: at(4), ModifiedAt: at(4)}
	require.NoError(t, p.applier.UpdateByDiff(context.Background(), notesync.Diff{
		ThreadCreate: []notes.Thread{thread, gone},
		NoteCreate:   []notes.Note{top, child},
	}))
}

func newTokens(t *testing.T) *auth.PairingTokens {
	t.Helper()
	tokens, err := auth.NewPairingTokens(auth.PairingConfig{SigningSecret: []byte("shared-secret")})
	require.NoError(t, err)
	return tokens
}

// serve starts a companion Server for p on one end of a conn pair and returns
// the other end with a channel receiving Serve's result.
func serve(t *testing.T, p *peer, tokens *auth.PairingTokens) (Conn, <-chan error) {
	t.Helper()
	server, err := NewServer(ServerConfig{
		DeviceID:  p.id,
		Tokens:    tokens,
		Devices:   p.devices,
		Companion: p.local,
		Clock:     func() time.Time { return sessionStart },
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	clientSide, serverSide := connPair()
	result := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		result <- server.Serve(ctx, serverSide)
	}()
	return clientSide, result
}
