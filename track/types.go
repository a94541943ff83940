package track

import "strings"

// Query is a user supplied song descriptor. Every field is optional.
type Query struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
}

// HasTitle reports whether the query carries a non-blank title
func (q Query) HasTitle() bool {
	return strings.TrimSpace(q.Title) != ""
}

// IsEmpty reports whether every field is blank
func (q Query) IsEmpty() bool {
	return strings.TrimSpace(q.Title) == "" &&
		strings.TrimSpace(q.Artist) == "" &&
		strings.TrimSpace(q.Album) == ""
}

// SearchString renders the query as free text, e.g. "Numb by Linkin Park from Meteora".
func (q Query) SearchString() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(q.Title))
	if artist := strings.TrimSpace(q.Artist); artist != "" {
		b.WriteString(" by ")
		b.WriteString(artist)
	}
	if album := strings.TrimSpace(q.Album); album != "" {
		b.WriteString(" from ")
		b.WriteString(album)
	}
	return b.String()
}

// Candidate is a catalog record. Only these fields are interpreted.
type Candidate struct {
	ExternalID string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
}

// AsQuery returns the candidate metadata in query form
func (c Candidate) AsQuery() Query {
	return Query{Title: c.Title, Artist: c.Artist, Album: c.Album}
}

// Match pairs a candidate with its score in [0,1]
type Match struct {
	Candidate Candidate `json:"track"`
	Score     float64   `json:"score"`
}
