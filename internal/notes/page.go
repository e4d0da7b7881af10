package notes

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gorm.io/gorm"
)

// Page selects one slice of a note listing. LastID is the cursor: the id of the
// last note of the previous page, empty for the first page.
type Page struct {
	SearchText string
	LastID     string
	Count      int
	Desc       bool
}

var likeEscaper = strings.NewReplacer("#", "##", "%", "#%", "_", "#_")

// noteFilter narrows a listing to one container.
type noteFilter struct {
	trash    bool
	threadID string
	parentID *string
	topLevel bool
}

func (s service) listNotes(ctx context.Context, filter noteFilter, page Page) ([]NoteRecord, error) {
	if page.Count <= 0 {
		return nil, fmt.Errorf("%w: count %d", ErrInvalidPage, page.Count)
	}

	db := s.db.WithContext(ctx)
	cursor := int64(0)
	if page.Desc {
		cursor = math.MaxInt64
	}
	if page.LastID != "" {
		last, err := takeNote(db, page.LastID)
		if err != nil {
			return nil, err
		}
		if last == nil {
			return nil, fmt.Errorf("%w: cursor %s", ErrNoteNotFound, page.LastID)
		}
		cursor = last.CreatedAtMs
	}

	query := db.Model(&NoteRecord{}).
		Where("trash = ? AND deleted = ?", filter.trash, false).
		Where("content LIKE ? ESCAPE '#'", "%"+likeEscaper.Replace(page.SearchText)+"%")
	if filter.threadID != "" {
		query = query.Where("thread_id = ?", filter.threadID)
	}
	switch {
	case filter.parentID != nil:
		query = query.Where("parent_id = ?", *filter.parentID)
	case filter.topLevel:
		query = query.Where("parent_id IS NULL")
	}

	if page.Desc {
		query = query.
			Where("(created_at_ms < ? OR (created_at_ms = ? AND id > ?))", cursor, cursor, page.LastID).
			Order("created_at_ms DESC, id ASC")
	} else {
		query = query.
			Where("(created_at_ms > ? OR (created_at_ms = ? AND id > ?))", cursor, cursor, page.LastID).
			Order("created_at_ms ASC, id ASC")
	}

	var records []NoteRecord
	if err := query.Limit(page.Count).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

type childCount struct {
	ParentID string `gorm:"column:parent_id"`
	Total    int64  `gorm:"column:total"`
}

func liveChildrenCounts(db *gorm.DB, parentIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(parentIDs))
	if len(parentIDs) == 0 {
		return counts, nil
	}
	var rows []childCount
	if err := db.Model(&NoteRecord{}).
		Select("parent_id, COUNT(*) AS total").
		Where("parent_id IN ? AND trash = ? AND deleted = ?", parentIDs, false, false).
		Group("parent_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.ParentID] = row.Total
	}
	return counts, nil
}

func threadNames(db *gorm.DB, threadIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(threadIDs))
	if len(threadIDs) == 0 {
		return names, nil
	}
	var records []ThreadRecord
	if err := db.Select("id", "name").Where("id IN ?", threadIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	for _, record := range records {
		names[record.ID] = record.Name
	}
	return names, nil
}
