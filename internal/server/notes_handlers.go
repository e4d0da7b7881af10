package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/gin-gonic/gin"
)

const defaultPageSize = 50

type threadPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayMode string    `json:"display_mode"`
	Trash       bool      `json:"trash"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

type notePayload struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	ThreadID      string    `json:"thread_id"`
	ParentID      *string   `json:"parent_id,omitempty"`
	IsTreeNote    bool      `json:"is_tree_note"`
	Trash         bool      `json:"trash"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ModifiedAt    time.Time `json:"modified_at"`
	ChildrenCount *int64    `json:"children_count,omitempty"`
	ThreadName    string    `json:"thread_name,omitempty"`
}

type createThreadRequest struct {
	Name string `json:"name"`
}

type updateThreadRequest struct {
	Name        *string `json:"name"`
	DisplayMode *string `json:"display_mode"`
}

type contentRequest struct {
	Content string `json:"content"`
}

func newThreadPayload(thread notes.Thread) threadPayload {
	return threadPayload{
		ID:          thread.ID,
		Name:        thread.Name,
		DisplayMode: string(thread.DisplayMode),
		Trash:       thread.Trash,
		Deleted:     thread.Deleted,
		CreatedAt:   thread.CreatedAt,
		UpdatedAt:   thread.UpdatedAt,
		ModifiedAt:  thread.ModifiedAt,
	}
}

func newNotePayload(note notes.Note) notePayload {
	return notePayload{
		ID:         note.ID,
		Content:    note.Content,
		ThreadID:   note.ThreadID,
		ParentID:   note.ParentID,
		IsTreeNote: note.IsTreeNote(),
		Trash:      note.Trash,
		Deleted:    note.Deleted,
		CreatedAt:  note.CreatedAt,
		UpdatedAt:  note.UpdatedAt,
		ModifiedAt: note.ModifiedAt,
	}
}

// pageFromQuery reads ?q=&cursor=&limit=&order=desc.
func pageFromQuery(c *gin.Context) (notes.Page, bool) {
	count := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return notes.Page{}, false
		}
		count = parsed
	}
	order := strings.ToLower(c.DefaultQuery("order", "asc"))
	if order != "asc" && order != "desc" {
		return notes.Page{}, false
	}
	return notes.Page{
		SearchText: c.Query("q"),
		LastID:     c.Query("cursor"),
		Count:      count,
		Desc:       order == "desc",
	}, true
}

func (h *httpHandler) handleListThreads(c *gin.Context) {
	threads, err := h.threads.ListActive(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "list_threads_failed")
		return
	}
	payload := make([]threadPayload, 0, len(threads))
	for _, thread := range threads {
		payload = append(payload, newThreadPayload(thread))
	}
	c.JSON(http.StatusOK, gin.H{"threads": payload})
}

func (h *httpHandler) handleCreateThread(c *gin.Context) {
	var request createThreadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	thread, err := h.threads.Create(c.Request.Context(), request.Name)
	if err != nil {
		h.respondError(c, err, "create_thread_failed")
		return
	}
	c.JSON(http.StatusCreated, newThreadPayload(thread))
}

func (h *httpHandler) handleGetThread(c *gin.Context) {
	thread, err := h.threads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get_thread_failed")
		return
	}
	c.JSON(http.StatusOK, newThreadPayload(thread))
}

func (h *httpHandler) handleUpdateThread(c *gin.Context) {
	var request updateThreadRequest
	if err := c.ShouldBindJSON(&request); err != nil || (request.Name == nil && request.DisplayMode == nil) {
		respondInvalidRequest(c)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		thread notes.Thread
		err    error
	)
	if request.Name != nil {
		if thread, err = h.threads.Rename(ctx, id, *request.Name); err != nil {
			h.respondError(c, err, "rename_thread_failed")
			return
		}
	}
	if request.DisplayMode != nil {
		if thread, err = h.threads.ChangeDisplayMode(ctx, id, notes.DisplayMode(*request.DisplayMode)); err != nil {
			h.respondError(c, err, "change_display_mode_failed")
			return
		}
	}
	c.JSON(http.StatusOK, newThreadPayload(thread))
}

func (h *httpHandler) handleRemoveThread(c *gin.Context) {
	if err := h.threads.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "remove_thread_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteThread(c *gin.Context) {
	if err := h.threads.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "delete_thread_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListThreadNotes(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		respondInvalidRequest(c)
		return
	}
	list, err := h.notes.ListInThread(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		h.respondError(c, err, "list_notes_failed")
		return
	}
	payload := make([]notePayload, 0, len(list))
	for _, item := range list {
		note := newNotePayload(item.Note)
		count := item.ChildrenCount
		note.ChildrenCount = &count
		payload = append(payload, note)
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}

func (h *httpHandler) handleCreateThreadNote(c *gin.Context) {
	var request contentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	note, err := h.notes.CreateInThread(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		h.respondError(c, err, "create_note_failed")
		return
	}
	c.JSON(http.StatusCreated, newNotePayload(note))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, err := h.notes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get_note_failed")
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note))
}

func (h *httpHandler) handleListTreeNotes(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		respondInvalidRequest(c)
		return
	}
	list, err := h.notes.ListInTree(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		h.respondError(c, err, "list_notes_failed")
		return
	}
	payload := make([]notePayload, 0, len(list))
	for _, note := range list {
		payload = append(payload, newNotePayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}

func (h *httpHandler) handleCreateTreeNote(c *gin.Context) {
	var request contentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	note, err := h.notes.CreateInTree(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		h.respondError(c, err, "create_note_failed")
		return
	}
	c.JSON(http.StatusCreated, newNotePayload(note))
}

func (h *httpHandler) handleEditNote(c *gin.Context) {
	var request contentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	note, err := h.notes.Edit(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		h.respondError(c, err, "edit_note_failed")
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note))
}

func (h *httpHandler) handleRemoveNote(c *gin.Context) {
	if err := h.notes.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "remove_note_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRestoreNote(c *gin.Context) {
	note, err := h.notes.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "restore_note_failed")
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	if err := h.notes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "delete_note_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSearchNotes(c *gin.Context) {
	h.listNamed(c, h.notes.Search, "search_failed")
}

func (h *httpHandler) handleListTrash(c *gin.Context) {
	h.listNamed(c, h.notes.ListTrash, "list_trash_failed")
}

func (h *httpHandler) listNamed(c *gin.Context, list func(ctx context.Context, page notes.Page) ([]notes.NoteWithThreadName, error), fallback string) {
	page, ok := pageFromQuery(c)
	if !ok {
		respondInvalidRequest(c)
		return
	}
	results, err := list(c.Request.Context(), page)
	if err != nil {
		h.respondError(c, err, fallback)
		return
	}
	payload := make([]notePayload, 0, len(results))
	for _, item := range results {
		note := newNotePayload(item.Note)
		note.ThreadName = item.ThreadName
		payload = append(payload, note)
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}
