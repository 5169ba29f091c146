package index

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-batch-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "history.bleve"

// Item is one download in the history index.
// All fields are searchable by their JSON tag names (e.g. query
// '+state:failed' or '+name:report').
type Item struct {
	ID            string    `json:"id"`      // Job ID
	BatchID       string    `json:"batchId"` // Owning batch
	CallerID      string    `json:"callerId"`
	Type          string    `json:"type"` // Always "download"
	Name          string    `json:"name"` // Resolved file name
	Locator       string    `json:"locator"`
	DownloadURL   string    `json:"downloadUrl,omitempty"`
	ContentType   string    `json:"contentType,omitempty"`
	State         string    `json:"state"`
	FilePath      string    `json:"filePath,omitempty"`      // Where the file was saved
	DirectoryPath string    `json:"directoryPath,omitempty"` // Directory containing the file
	FileSizeKB    float64   `json:"fileSizeKB,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	RetryCount    int       `json:"retryCount"`
	CreatedAt     time.Time `json:"createdAt"`
	FinishedAt    time.Time `json:"finishedAt,omitempty"`

	// Torrent Information (populated by the 'torrent' command)
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// ItemFromJob builds the history entry for a job.
func ItemFromJob(job models.Job) Item {
	item := Item{
		ID:         job.ID,
		BatchID:    job.BatchID,
		CallerID:   job.CallerID,
		Type:       "download",
		Locator:    job.Locator.Normalized,
		State:      strings.ToLower(job.State.String()),
		FilePath:   job.OutputPath,
		ErrorCode:  job.LastErrorCode,
		RetryCount: job.RetryCount,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.OutputPath != "" {
		item.DirectoryPath = filepath.Dir(job.OutputPath)
	}
	if m := job.Metadata; m != nil {
		item.Name = m.Name
		item.DownloadURL = m.DownloadURL
		item.ContentType = m.ContentType
		if m.Size > 0 {
			item.FileSizeKB = float64(m.Size) / 1024
		}
	}
	return item
}

// NewIndexMapping maps callerId as a single keyword so searches can be
// scoped to one caller. Every other field is mapped dynamically.
func NewIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("callerId", bleve.NewKeywordFieldMapping())
	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		index, err = bleve.New(indexPath, NewIndexMapping())
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err // Other error opening index
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// SearchIndex performs a query-string search against the index. A limit of
// zero keeps bleve's default page size.
func SearchIndex(index bleve.Index, queryString string, limit int) (*bleve.SearchResult, error) {
	return search(index, bleve.NewQueryStringQuery(queryString), limit)
}

// SearchCaller is SearchIndex restricted to the entries of one caller. The
// restriction is part of the query, so the page holds only that caller's hits.
func SearchCaller(index bleve.Index, callerID, queryString string, limit int) (*bleve.SearchResult, error) {
	owner := bleve.NewTermQuery(callerID)
	owner.SetField("callerId")
	return search(index, bleve.NewConjunctionQuery(bleve.NewQueryStringQuery(queryString), owner), limit)
}

func search(index bleve.Index, q query.Query, limit int) (*bleve.SearchResult, error) {
	searchRequest := bleve.NewSearchRequest(q)
	if limit > 0 {
		searchRequest.Size = limit
	}
	searchRequest.Fields = []string{"*"} // Request all stored fields
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}
	return searchResults, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Attempting to delete index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
