package transport

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
)

var (
	// ErrRejected reports a handshake the companion refused.
	ErrRejected = errors.New("transport: handshake rejected")
	// ErrProtocol reports an unexpected frame from the companion.
	ErrProtocol = errors.New("transport: protocol violation")
	// ErrRemote reports a query the companion failed to answer.
	ErrRemote = errors.New("transport: companion query failed")
)

// Client queries a companion over an established connection. Round trips are
// serialized; the engine fans out goroutines that share one Client.
type Client struct {
	conn      Conn
	peerID    string
	mu        sync.Mutex
	nextID    uint64
	closeOnce sync.Once
	closeErr  error
}

type exchangeResult struct {
	msg Msg
	err error
}

// Connect performs the hello handshake and returns a Client for the companion.
func Connect(ctx context.Context, conn Conn, deviceID, token string) (*Client, error) {
	client := &Client{conn: conn}
	ack, err := client.exchange(ctx, Msg{
		Type:     MsgHello,
		Version:  ProtocolVersion,
		DeviceID: deviceID,
		Token:    token,
	})
	if err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	if ack.Type != MsgHelloAck {
		return nil, errors.Wrapf(ErrProtocol, "expected %s, got %q", MsgHelloAck, ack.Type)
	}
	if !ack.Accepted {
		return nil, errors.Wrapf(ErrRejected, "reason %q", ack.Reason)
	}
	client.peerID = ack.DeviceID
	return client, nil
}

// PeerID returns the device id the companion announced in its ack.
func (c *Client) PeerID() string {
	return c.peerID
}

// Close closes the underlying connection once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// exchange writes one frame and reads one frame. When ctx ends first the
// connection is closed to unblock the pending read and the Client is unusable.
func (c *Client) exchange(ctx context.Context, out Msg) (Msg, error) {
	if err := ctx.Err(); err != nil {
		return Msg{}, err
	}
	done := make(chan exchangeResult, 1)
	go func() {
		if err := c.conn.WriteJSON(out); err != nil {
			done <- exchangeResult{err: errors.Wrap(err, "write")}
			return
		}
		var in Msg
		if err := c.conn.ReadJSON(&in); err != nil {
			done <- exchangeResult{err: errors.Wrap(err, "read")}
			return
		}
		done <- exchangeResult{msg: in}
	}()

	select {
	case <-ctx.Done():
		_ = c.Close()
		return Msg{}, ctx.Err()
	case result := <-done:
		return result.msg, result.err
	}
}

func (c *Client) request(ctx context.Context, kind RequestKind, target string) (Msg, error) {
	return c.roundTrip(ctx, Msg{Type: MsgRequest, Kind: kind, Target: target})
}

// Complete reports that the pass against the companion was applied.
func (c *Client) Complete(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Msg{Type: MsgPassComplete})
	return err
}

func (c *Client) roundTrip(ctx context.Context, out Msg) (Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	out.ID = id
	resp, err := c.exchange(ctx, out)
	if err != nil {
		return Msg{}, err
	}
	if resp.Type != MsgResponse || resp.ID != id {
		return Msg{}, errors.Wrapf(ErrProtocol, "expected response %d, got %s %d", id, resp.Type, resp.ID)
	}
	if resp.Error != "" {
		return Msg{}, errors.Wrapf(ErrRemote, "%s", resp.Error)
	}
	return resp, nil
}

func (c *Client) threads(ctx context.Context, kind RequestKind, target string) ([]notes.Thread, error) {
	resp, err := c.request(ctx, kind, target)
	if err != nil {
		return nil, err
	}
	return decodeThreads(resp.Threads)
}

func (c *Client) notes(ctx context.Context, kind RequestKind, target string) ([]notes.Note, error) {
	resp, err := c.request(ctx, kind, target)
	if err != nil {
		return nil, err
	}
	return decodeNotes(resp.Notes)
}

func (c *Client) GetThreadUpdates(ctx context.Context) ([]notes.Thread, error) {
	return c.threads(ctx, KindThreadUpdates, "")
}

func (c *Client) GetAllNotesInThread(ctx context.Context, threadID string) ([]notes.Note, error) {
	return c.notes(ctx, KindAllNotesInThread, threadID)
}

func (c *Client) GetAllNotesInTree(ctx context.Context, parentID string) ([]notes.Note, error) {
	return c.notes(ctx, KindAllNotesInTree, parentID)
}

func (c *Client) GetNoteUpdatesInThread(ctx context.Context, threadID string) ([]notes.Note, error) {
	return c.notes(ctx, KindNoteUpdatesInThread, threadID)
}

func (c *Client) GetNoteUpdatesInTree(ctx context.Context, parentID string) ([]notes.Note, error) {
	return c.notes(ctx, KindNoteUpdatesInTree, parentID)
}
