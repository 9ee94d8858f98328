package domain

import "time"

// SearchQuery is one natural-language search request. It is built per request and
// never persisted.
type SearchQuery struct {
	Text      string     `json:"query"`
	OwnerID   string     `json:"owner_id,omitempty"`
	FileType  *FileType  `json:"file_type,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
	Limit     int        `json:"limit"`
	Threshold float64    `json:"threshold"`

	// ThresholdSet keeps an explicit zero Threshold instead of the configured default.
	ThresholdSet bool `json:"-"`
}

// RankedResult is one search hit.
type RankedResult struct {
	Upload     UploadRecord `json:"upload"`
	Similarity float64      `json:"similarity_score"`
	Distance   float64      `json:"distance"`
	Rank       int          `json:"rank"`
}

// AppliedFilters echoes the filters a search actually ran with.
type AppliedFilters struct {
	FileType  *FileType  `json:"file_type,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
	Limit     int        `json:"limit"`
	Threshold float64    `json:"threshold"`
}

// SearchResponse wraps ranked results with request metadata.
type SearchResponse struct {
	Query          string         `json:"query"`
	Results        []RankedResult `json:"results"`
	TotalFound     int            `json:"total_found"`
	SearchTimeMs   int64          `json:"search_time_ms"`
	AppliedFilters AppliedFilters `json:"applied_filters"`
	Cached         bool           `json:"cached"`
}
