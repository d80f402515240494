// Package export renders player-safe handout PDFs from published notes.
package export

import (
	"errors"
	"time"
)

// Request describes a handout export. With NoteID set, only that note is
// rendered; otherwise the handout covers every note in the room that has
// public content.
type Request struct {
	RoomID string
	NoteID string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// RoomInfo holds room metadata for the handout header.
type RoomInfo struct {
	ID   string
	Name string
}

// NoteInfo holds the note fields the handout needs. PublicContent is the
// pre-partitioned public-only markdown; the exporter never sees gm text.
type NoteInfo struct {
	ID            string
	Title         string
	PublicContent string
	Author        string
	UpdatedAt     time.Time
}

var (
	// ErrNothingToExport indicates no note in scope has public content.
	ErrNothingToExport = errors.New("export: no public content")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
