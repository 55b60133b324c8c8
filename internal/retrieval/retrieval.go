// Package retrieval queries the external document search backend and
// assembles the hits into a context block for the model prompt.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

// MaxContextRunes bounds the assembled context block.
const MaxContextRunes = 8000

var ErrUnavailable = errors.New("retrieval backend unavailable")

type Query struct {
	Text     string
	FileIDs  []int64
	AllFiles bool
}

// Searcher returns the context block for a query. An empty string with a nil
// error means nothing relevant was found.
type Searcher interface {
	Search(ctx context.Context, q Query) (string, error)
}

// Indexer registers an uploaded file with the search backend.
type Indexer interface {
	Index(ctx context.Context, fileID int64, fileName string) error
}

type Document struct {
	FileID  int64   `json:"fileId"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchRequest struct {
	Query    string  `json:"query"`
	FileIDs  []int64 `json:"fileIds,omitempty"`
	AllFiles bool    `json:"allFiles"`
	TopK     int     `json:"topK"`
}

type searchResponse struct {
	Documents []Document `json:"documents"`
}

// Client is a Searcher backed by the HTTP search service.
type Client struct {
	http *resty.Client
	topK int
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c, topK: 5}
}

func (c *Client) Search(ctx context.Context, q Query) (string, error) {
	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(searchRequest{Query: q.Text, FileIDs: q.FileIDs, AllFiles: q.AllFiles, TopK: c.topK}).
		SetResult(&out).
		Post("/search")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return Assemble(out.Documents, MaxContextRunes), nil
}

type indexRequest struct {
	FileID   int64  `json:"fileId"`
	FileName string `json:"fileName"`
}

func (c *Client) Index(ctx context.Context, fileID int64, fileName string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(indexRequest{FileID: fileID, FileName: fileName}).
		Post("/index")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusAccepted:
		return nil
	case resp.StatusCode() >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	default:
		return fmt.Errorf("index file %d: status %d: %s", fileID, resp.StatusCode(), resp.String())
	}
}

// Assemble joins documents into one block, cutting it at limit runes.
func Assemble(docs []Document, limit int) string {
	var b strings.Builder
	for _, d := range docs {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		if d.Title != "" {
			fmt.Fprintf(&b, "[%s]\n", d.Title)
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return truncate(strings.TrimSpace(b.String()), limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
