package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// DataStore defines the data access the exporter needs.
type DataStore interface {
	GetRoom(ctx context.Context, roomID string) (RoomInfo, error)
	GetNote(ctx context.Context, noteID string) (NoteInfo, error)
	ListNotes(ctx context.Context, roomID string) ([]NoteInfo, error)
}

// Service renders handout PDFs.
type Service struct {
	store DataStore
}

// NewService creates a new export service.
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates the handout PDF for the request. Only public content is
// ever rendered; notes without public content are skipped entirely.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	roomInfo, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	var notes []NoteInfo
	if req.NoteID != "" {
		note, err := s.store.GetNote(ctx, req.NoteID)
		if err != nil {
			return nil, fmt.Errorf("get note: %w", err)
		}
		notes = []NoteInfo{note}
	} else {
		notes, err = s.store.ListNotes(ctx, req.RoomID)
		if err != nil {
			return nil, fmt.Errorf("list notes: %w", err)
		}
	}

	data := TemplateData{
		RoomName:    roomInfo.Name,
		GeneratedAt: time.Now(),
	}
	for _, note := range notes {
		if strings.TrimSpace(note.PublicContent) == "" {
			continue
		}
		contentHTML, err := MarkdownToHTML(note.PublicContent)
		if err != nil {
			return nil, fmt.Errorf("render note %s: %w", note.ID, err)
		}
		data.Notes = append(data.Notes, TemplateNote{
			Title:       note.Title,
			Author:      note.Author,
			UpdatedAt:   note.UpdatedAt,
			ContentHTML: template.HTML(contentHTML),
		})
	}
	if len(data.Notes) == 0 {
		return nil, ErrNothingToExport
	}

	html, err := RenderHandoutHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := roomInfo.Name
	if req.NoteID != "" && len(notes) == 1 {
		title = notes[0].Title
	}
	return exportPDF(html, title)
}
