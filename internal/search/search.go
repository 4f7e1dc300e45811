// Package search indexes curated segments so curators can find disputed sentences across a project.
package search

import "context"

// SegmentRecord is the data we index for one curated segment.
type SegmentRecord struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	Begin        int    `json:"begin"`
	End          int    `json:"end"`
	Ordinal      int    `json:"ordinal"`
	State        string `json:"state"`
	Options      int    `json:"options"`
	Text         string `json:"text"`
}

// Query describes a segment search inside one project.
type Query struct {
	ProjectID string
	Text      string
	State     string // empty = any state
	Limit     int
	Offset    int
}

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	Begin        int    `json:"begin"`
	End          int    `json:"end"`
	State        string `json:"state"`
	Snippet      string `json:"snippet"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Backend is a segment index.
type Backend interface {
	Healthy() bool
	IndexSegments(ctx context.Context, records []SegmentRecord) error
	Search(ctx context.Context, q Query) ([]Result, int, error)
}
