package transport

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/auth"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerSecond = 50
	defaultBurst             = 100
)

// Remote error codes carried in a response.
const (
	errorUnknownKind  = "unknown_kind"
	errorQueryFailed  = "query_failed"
	errorRecordFailed = "record_failed"
)

// PeerDirectory admits paired devices and records which of them completed a
// pass against this one.
type PeerDirectory interface {
	IsSyncEnabled(ctx context.Context, id string) (bool, error)
	RecordObserved(ctx context.Context, id string, observedAt time.Time) error
}

// ServerConfig wires a companion Server.
type ServerConfig struct {
	DeviceID          string
	Tokens            *auth.PairingTokens
	Devices           PeerDirectory
	Companion         notesync.Companion
	Clock             func() time.Time
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// Server answers companion queries from the local store for paired devices.
type Server struct {
	deviceID  string
	tokens    *auth.PairingTokens
	devices   PeerDirectory
	companion notesync.Companion
	clock     func() time.Time
	limit     rate.Limit
	burst     int
	logger    *zap.Logger
}

// NewServer validates the configuration and builds a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.DeviceID == "":
		return nil, errors.New("transport: device id required")
	case cfg.Tokens == nil:
		return nil, errors.New("transport: pairing tokens required")
	case cfg.Devices == nil:
		return nil, errors.New("transport: device permissions required")
	case cfg.Companion == nil:
		return nil, errors.New("transport: companion required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deviceID:  cfg.DeviceID,
		tokens:    cfg.Tokens,
		devices:   cfg.Devices,
		companion: cfg.Companion,
		clock:     clock,
		limit:     limit,
		burst:     burst,
		logger:    logger,
	}, nil
}

// Serve runs one companion session until the peer disconnects or ctx ends.
// It closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	peerID, err := s.handshake(ctx, conn)
	if err != nil {
		return err
	}
	// State committed before this instant is visible to every query of the session.
	sessionStart := notes.NormalizeTime(s.clock())
	logger := s.logger.With(zap.String("peer_id", peerID))
	logger.Debug("companion session accepted")

	limiter := rate.NewLimiter(s.limit, s.burst)
	for {
		var req Msg
		if err := conn.ReadJSON(&req); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				logger.Debug("companion session closed")
				return nil
			}
			return errors.Wrap(err, "read request")
		}
		if req.Type != MsgRequest && req.Type != MsgPassComplete {
			return errors.Wrapf(ErrProtocol, "expected %s, got %q", MsgRequest, req.Type)
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		var resp Msg
		if req.Type == MsgPassComplete {
			resp = s.complete(ctx, logger, peerID, sessionStart, req)
		} else {
			resp = s.answer(ctx, logger, req)
		}
		if err := conn.WriteJSON(resp); err != nil {
			return errors.Wrap(err, "write response")
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn Conn) (string, error) {
	var hello Msg
	if err := conn.ReadJSON(&hello); err != nil {
		return "", errors.Wrap(err, "read hello")
	}
	if hello.Type != MsgHello {
		return "", errors.Wrapf(ErrProtocol, "expected %s, got %q", MsgHello, hello.Type)
	}

	reason := s.admit(ctx, hello)
	ack := Msg{Type: MsgHelloAck, DeviceID: s.deviceID, Accepted: reason == "", Reason: reason}
	if err := conn.WriteJSON(ack); err != nil {
		return "", errors.Wrap(err, "write hello ack")
	}
	if reason != "" {
		s.logger.Info("companion handshake rejected",
			zap.String("peer_id", hello.DeviceID),
			zap.String("reason", reason))
		return "", errors.Wrapf(ErrRejected, "reason %q", reason)
	}
	return hello.DeviceID, nil
}

// admit returns the rejection reason for a hello, or "" to accept it.
func (s *Server) admit(ctx context.Context, hello Msg) string {
	if hello.Version != ProtocolVersion {
		return ReasonUnsupportedVersion
	}
	subject, err := s.tokens.Validate(hello.Token, s.deviceID)
	if err != nil {
		return ReasonInvalidToken
	}
	if subject != hello.DeviceID {
		return ReasonDeviceMismatch
	}
	enabled, err := s.devices.IsSyncEnabled(ctx, hello.DeviceID)
	if err != nil {
		s.logger.Error("failed to check device permissions", zap.String("peer_id", hello.DeviceID), zap.Error(err))
		return ReasonInternal
	}
	if !enabled {
		return ReasonSyncDisabled
	}
	return ""
}

func (s *Server) complete(ctx context.Context, logger *zap.Logger, peerID string, sessionStart time.Time, req Msg) Msg {
	resp := Msg{Type: MsgResponse, ID: req.ID}
	if err := s.devices.RecordObserved(ctx, peerID, sessionStart); err != nil {
		logger.Warn("failed to record completed pass", zap.Error(err))
		resp.Error = errorRecordFailed
		return resp
	}
	logger.Debug("companion pass completed", zap.Time("observed_at", sessionStart))
	return resp
}

func (s *Server) answer(ctx context.Context, logger *zap.Logger, req Msg) Msg {
	resp := Msg{Type: MsgResponse, ID: req.ID, Kind: req.Kind}
	var (
		threads []notes.Thread
		list    []notes.Note
		err     error
	)
	switch req.Kind {
	case KindThreadUpdates:
		threads, err = s.companion.GetThreadUpdates(ctx)
		resp.Threads = encodeThreads(threads)
	case KindAllNotesInThread:
		list, err = s.companion.GetAllNotesInThread(ctx, req.Target)
	case KindAllNotesInTree:
		list, err = s.companion.GetAllNotesInTree(ctx, req.Target)
	case KindNoteUpdatesInThread:
		list, err = s.companion.GetNoteUpdatesInThread(ctx, req.Target)
	case KindNoteUpdatesInTree:
		list, err = s.companion.GetNoteUpdatesInTree(ctx, req.Target)
	default:
		resp.Error = errorUnknownKind
		return resp
	}
	if err != nil {
		logger.Warn("companion query failed",
			zap.Int("kind", int(req.Kind)),
			zap.String("target", req.Target),
			zap.Error(err))
		return Msg{Type: MsgResponse, ID: req.ID, Kind: req.Kind, Error: errorQueryFailed}
	}
	if req.Kind != KindThreadUpdates {
		resp.Notes = encodeNotes(list)
	}
	return resp
}
