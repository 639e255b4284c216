package crawler

import "time"

// Category is a music category discovered on the home page.
type Category struct {
	// Index is the category's position in the filtered list; later stages use it
	// as the correlation key back to the category.
	Index     int    `json:"index"`
	Name      string `json:"name"`
	SourceURL string `json:"url"`
}

// CategoryPageInfo is the pagination metadata discovered for one category.
type CategoryPageInfo struct {
	Category
	TotalItemCount int    `json:"total"`
	PageSize       int    `json:"size"`
	PageURLPrefix  string `json:"prefix"`
	PageURLExt     string `json:"ext"`
}

// ListingTask addresses one listing page of a category.
type ListingTask struct {
	CategoryIndex int    `json:"category_index"`
	CategoryName  string `json:"category_name"`
	PageIndex     int    `json:"page_index"`
	URL           string `json:"url"`
}

// MusicItem is one row of a listing page.
type MusicItem struct {
	// Seq is the item's immutable position in the flat listing output.
	Seq        int    `json:"seq"`
	LocalIndex int    `json:"local_index"`
	ExternalID string `json:"external_id"`
	// Name is the first whitespace token of the link text.
	Name string `json:"name"`
	// Title is the full link text; trailing qualifiers are kept for the consumer.
	Title         string `json:"title"`
	Author        string `json:"author"`
	CategoryIndex int    `json:"category_index"`
	CategoryName  string `json:"category_name"`
	PageIndex     int    `json:"page_index"`
}

// DownloadRecord is a MusicItem joined with its resolved resource URL.
type DownloadRecord struct {
	MusicItem
	ResourceURL string `json:"url"`
}

// MediaStatus is the materialization state of a record.
type MediaStatus string

// Media status values persisted by record sinks.
const (
	MediaPending MediaStatus = "pending"
	MediaFetched MediaStatus = "fetched"
	MediaFailed  MediaStatus = "failed"
)

// MediaFile is a DownloadRecord after the materialization stage.
type MediaFile struct {
	DownloadRecord
	StoredRelativePath string      `json:"path,omitempty"`
	MediaStatus        MediaStatus `json:"media_status"`
	Size               int64       `json:"size,omitempty"`
	Checksum           string      `json:"sha256,omitempty"`
	Error              string      `json:"error,omitempty"`
}

// MediaUpdate is the partial record handed to the update callback.
type MediaUpdate struct {
	ExternalID         string      `json:"external_id"`
	StoredRelativePath string      `json:"path"`
	MediaStatus        MediaStatus `json:"media_status"`
}

// TaskFailure records a task that reached a terminal failed state.
type TaskFailure struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Error returns the failure cause as text.
func (f TaskFailure) Error() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// StageStats summarizes one stage invocation.
type StageStats struct {
	Stage     string        `json:"stage"`
	Input     int           `json:"input"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
	Failures  []TaskFailure `json:"-"`
}

// CrawlResult is the output of the five-stage pipeline.
type CrawlResult struct {
	RunID      string           `json:"run_id"`
	Records    []DownloadRecord `json:"records"`
	Categories []Category       `json:"categories"`
	Stats      []StageStats     `json:"stats"`
}

// StoredRecord is the row shape persisted by a RecordSink.
type StoredRecord struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Author      string      `json:"author"`
	Type        string      `json:"type"`
	URL         string      `json:"url"`
	ExternalID  string      `json:"external_id"`
	MediaStatus MediaStatus `json:"media_status"`
	MediaPath   string      `json:"path,omitempty"`
	AddTime     time.Time   `json:"add_time"`
	UpdateTime  time.Time   `json:"update_time"`
}

// NewStoredRecords maps a crawl result onto sink rows.
func NewStoredRecords(result CrawlResult, now time.Time) []StoredRecord {
	out := make([]StoredRecord, 0, len(result.Records))
	for _, rec := range result.Records {
		typ := rec.CategoryName
		if rec.CategoryIndex >= 0 && rec.CategoryIndex < len(result.Categories) {
			typ = result.Categories[rec.CategoryIndex].Name
		}
		out = append(out, StoredRecord{
			Name:        rec.Name,
			Title:       rec.Title,
			Author:      rec.Author,
			Type:        typ,
			URL:         rec.ResourceURL,
			ExternalID:  rec.ExternalID,
			MediaStatus: MediaPending,
			AddTime:     now,
			UpdateTime:  now,
		})
	}
	return out
}

// DownloadRecord rebuilds the pipeline view of a persisted row.
func (r StoredRecord) DownloadRecord() DownloadRecord {
	return DownloadRecord{
		MusicItem: MusicItem{
			Seq:          int(r.ID),
			ExternalID:   r.ExternalID,
			Name:         r.Name,
			Title:        r.Title,
			Author:       r.Author,
			CategoryName: r.Type,
		},
		ResourceURL: r.URL,
	}
}
