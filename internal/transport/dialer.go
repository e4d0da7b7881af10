package transport

import (
	"context"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/bluenote/internal/auth"
	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CompanionPath is the route a peer serves its companion on.
const CompanionPath = "/ws/companion"

// ErrPeerMismatch reports a companion that answered with another device id.
var ErrPeerMismatch = errors.New("transport: companion identity mismatch")

// DialerConfig wires a Dialer.
type DialerConfig struct {
	// DeviceID is this device's id, sent in every hello.
	DeviceID string
	Tokens   *auth.PairingTokens
	Logger   *zap.Logger
}

// Dialer opens authenticated companion sessions to paired devices.
type Dialer struct {
	deviceID string
	tokens   *auth.PairingTokens
	ws       websocket.Dialer
	logger   *zap.Logger
}

// NewDialer validates the configuration and builds a Dialer.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("transport: device id required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("transport: pairing tokens required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		deviceID: cfg.DeviceID,
		tokens:   cfg.Tokens,
		ws:       websocket.Dialer{HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout},
		logger:   logger,
	}, nil
}

// Dial connects to the device's companion endpoint and completes the handshake.
func (d *Dialer) Dial(ctx context.Context, device devices.Device) (notesync.Session, error) {
	endpoint, err := companionURL(device.Address)
	if err != nil {
		return nil, err
	}
	token, _, err := d.tokens.Issue(d.deviceID, device.ID)
	if err != nil {
		return nil, errors.Wrap(err, "issue pairing token")
	}

	wsConn, _, err := d.ws.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	conn := NewWebSocketConn(wsConn)
	client, err := Connect(ctx, conn, d.deviceID, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if client.PeerID() != device.ID {
		_ = client.Close()
		return nil, errors.Wrapf(ErrPeerMismatch, "expected %s, got %s", device.ID, client.PeerID())
	}
	d.logger.Debug("companion session opened",
		zap.String("device_id", device.ID),
		zap.String("endpoint", endpoint))
	return client, nil
}

// companionURL turns a device address into its websocket companion endpoint.
// Addresses may be http(s), ws(s), or a bare host:port.
func companionURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("transport: empty device address")
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	parsed, err := url.Parse(address)
	if err != nil {
		return "", errors.Wrapf(err, "parse device address %q", address)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Newf("transport: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + CompanionPath
	return parsed.String(), nil
}
