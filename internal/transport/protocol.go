package transport

import (
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
)

// ProtocolVersion is sent in the hello and must match on both sides.
const ProtocolVersion = 1

const timestampFormat = time.RFC3339Nano

// MsgType identifies a companion protocol message.
//
// Protocol flow:
//
//  1. The syncing device sends MsgHello with its id and a pairing token.
//  2. The companion answers MsgHelloAck, accepted or with a reason.
//  3. The syncing device sends MsgRequest frames one at a time and reads
//     one MsgResponse for each, matched by id.
//  4. After applying its diff the syncing device sends MsgPassComplete and
//     reads one MsgResponse. The companion then records that the device has
//     seen its state as of the start of the session.
type MsgType string

const (
	MsgHello        MsgType = "hello"
	MsgHelloAck     MsgType = "hello_ack"
	MsgRequest      MsgType = "request"
	MsgResponse     MsgType = "response"
	MsgPassComplete MsgType = "pass_complete"
)

// RequestKind selects one of the five companion queries.
type RequestKind int

const (
	KindThreadUpdates       RequestKind = 0
	KindAllNotesInThread    RequestKind = 1
	KindAllNotesInTree      RequestKind = 2
	KindNoteUpdatesInThread RequestKind = 3
	KindNoteUpdatesInTree   RequestKind = 4
)

// Rejection reasons carried by a refused MsgHelloAck.
const (
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonInvalidToken       = "invalid_token"
	ReasonDeviceMismatch     = "device_mismatch"
	ReasonSyncDisabled       = "sync_disabled"
	ReasonInternal           = "internal_error"
)

// Msg is the envelope of every frame.
type Msg struct {
	Type MsgType `json:"type"`

	// Hello and HelloAck
	Version  int    `json:"version,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Request and Response
	ID      uint64         `json:"id,omitempty"`
	Kind    RequestKind    `json:"kind"`
	Target  string         `json:"target,omitempty"`
	Threads []ThreadRecord `json:"threads,omitempty"`
	Notes   []NoteRecord   `json:"notes,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ThreadRecord is the wire form of a thread. Timestamps are RFC 3339 strings.
type ThreadRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayMode string `json:"display_mode"`
	Trash       bool   `json:"trash"`
	Deleted     bool   `json:"deleted"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ModifiedAt  string `json:"modified_at"`
}

// NoteRecord is the wire form of a note.
type NoteRecord struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	ThreadID   string  `json:"thread_id"`
	ParentID   *string `json:"parent_id,omitempty"`
	Trash      bool    `json:"trash"`
	Deleted    bool    `json:"deleted"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	ModifiedAt string  `json:"modified_at"`
}

// ErrInvalidRecord reports a wire record that cannot become a domain record.
var ErrInvalidRecord = errors.New("transport: invalid record")

func formatTime(value time.Time) string {
	return value.UTC().Format(timestampFormat)
}

func parseTime(field, value string) (time.Time, error) {
	parsed, err := time.Parse(timestampFormat, value)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "%s", field), ErrInvalidRecord)
	}
	return notes.NormalizeTime(parsed), nil
}

func encodeThread(thread notes.Thread) ThreadRecord {
	return ThreadRecord{
		ID:          thread.ID,
		Name:        thread.Name,
		DisplayMode: string(thread.DisplayMode),
		Trash:       thread.Trash,
		Deleted:     thread.Deleted,
		CreatedAt:   formatTime(thread.CreatedAt),
		UpdatedAt:   formatTime(thread.UpdatedAt),
		ModifiedAt:  formatTime(thread.ModifiedAt),
	}
}

func decodeThread(record ThreadRecord) (notes.Thread, error) {
	if record.ID == "" {
		return notes.Thread{}, errors.Wrap(ErrInvalidRecord, "thread without id")
	}
	mode, err := notes.ParseDisplayMode(record.DisplayMode)
	if err != nil {
		return notes.Thread{}, errors.Mark(errors.Wrapf(err, "thread %s", record.ID), ErrInvalidRecord)
	}
	thread := notes.Thread{
		ID:          record.ID,
		Name:        record.Name,
		DisplayMode: mode,
		Trash:       record.Trash,
		Deleted:     record.Deleted,
	}
	if thread.CreatedAt, err = parseTime("created_at", record.CreatedAt); err != nil {
		return notes.Thread{}, err
	}
	if thread.UpdatedAt, err = parseTime("updated_at", record.UpdatedAt); err != nil {
		return notes.Thread{}, err
	}
	if thread.ModifiedAt, err = parseTime("modified_at", record.ModifiedAt); err != nil {
		return notes.Thread{}, err
	}
	return thread, nil
}

func encodeNote(note notes.Note) NoteRecord {
	return NoteRecord{
		ID:         note.ID,
		Content:    note.Content,
		ThreadID:   note.ThreadID,
		ParentID:   note.ParentID,
		Trash:      note.Trash,
		Deleted:    note.Deleted,
		CreatedAt:  formatTime(note.CreatedAt),
		UpdatedAt:  formatTime(note.UpdatedAt),
		ModifiedAt: formatTime(note.ModifiedAt),
	}
}

func decodeNote(record NoteRecord) (notes.Note, error) {
	if record.ID == "" || record.ThreadID == "" {
		return notes.Note{}, errors.Wrap(ErrInvalidRecord, "note without id or thread id")
	}
	if record.ParentID != nil && *record.ParentID == "" {
		return notes.Note{}, errors.Wrapf(ErrInvalidRecord, "note %s has an empty parent id", record.ID)
	}
	note := notes.Note{
		ID:       record.ID,
		Content:  record.Content,
		ThreadID: record.ThreadID,
		ParentID: record.ParentID,
		Trash:    record.Trash,
		Deleted:  record.Deleted,
	}
	var err error
	if note.CreatedAt, err = parseTime("created_at", record.CreatedAt); err != nil {
		return notes.Note{}, err
	}
	if note.UpdatedAt, err = parseTime("updated_at", record.UpdatedAt); err != nil {
		return notes.Note{}, err
	}
	if note.ModifiedAt, err = parseTime("modified_at", record.ModifiedAt); err != nil {
		return notes.Note{}, err
	}
	return note, nil
}

func encodeThreads(threads []notes.Thread) []ThreadRecord {
	records := make([]ThreadRecord, 0, len(threads))
	for _, thread := range threads {
		records = append(records, encodeThread(thread))
	}
	return records
}

func encodeNotes(list []notes.Note) []NoteRecord {
	records := make([]NoteRecord, 0, len(list))
	for _, note := range list {
		records = append(records, encodeNote(note))
	}
	return records
}

func decodeThreads(records []ThreadRecord) ([]notes.Thread, error) {
	threads := make([]notes.Thread, 0, len(records))
	for _, record := range records {
		thread, err := decodeThread(record)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

func decodeNotes(records []NoteRecord) ([]notes.Note, error) {
	list := make([]notes.Note, 0, len(records))
	for _, record := range records {
		note, err := decodeNote(record)
		if err != nil {
			return nil, err
		}
		list = append(list, note)
	}
	return list, nil
}
