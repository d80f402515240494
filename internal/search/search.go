package search

// Result is a single search hit returned to the caller.
type Result struct {
	NoteID  string `json:"noteId"`
	RoomID  string `json:"roomId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request. PlayerView restricts matching and
// snippets to the title and public text of each note, so gm-only content
// never leaks through search.
type Query struct {
	Text       string
	RoomID     string
	PlayerView bool
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over notes.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push notes into a search index.
type Indexer interface {
	IndexNote(note NoteRecord) error
	DeleteNote(id string) error
}

// NoteRecord is the data we index for a note. PublicText is the joined
// public sections; FullText is the whole note body.
type NoteRecord struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	AuthorID   string `json:"authorId"`
	Title      string `json:"title"`
	PublicText string `json:"publicText"`
	FullText   string `json:"fullText"`
}
