package arxiv

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	maxTopics      = 10
	maxTopicLength = 50
)

var (
	ErrNoTopics      = errors.New("at least one topic must be selected")
	ErrTooManyTopics = errors.New("too many topics selected")
	ErrNoValidTopics = errors.New("no valid topics provided")
	// ErrUnavailable wraps transport or upstream failures from the arXiv API.
	ErrUnavailable = errors.New("arxiv api unavailable")
)

// Paper is one search result summary.
type Paper struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Authors   string `json:"authors"`
	Abstract  string `json:"abstract"`
	Published string `json:"published"`
	ArxivURL  string `json:"arxiv_url"`
}

// Client fetches recent papers from the arXiv Atom API.
type Client struct {
	baseURL    string
	maxResults int
	client     *http.Client
}

func NewClient(baseURL string, maxResults int) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://export.arxiv.org/api/query"
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Client{
		baseURL:    baseURL,
		maxResults: maxResults,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SanitizeTopic strips every character outside [A-Za-z0-9.\-_].
func SanitizeTopic(topic string) string {
	var b strings.Builder
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateTopics rejects oversized or malformed input before any outbound
// fetch and returns the sanitized topic list.
func ValidateTopics(topics []string) ([]string, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if len(topics) > maxTopics {
		return nil, fmt.Errorf("%w (max %d)", ErrTooManyTopics, maxTopics)
	}

	valid := make([]string, 0, len(topics))
	for _, topic := range topics {
		sanitized := SanitizeTopic(topic)
		if sanitized != "" && len(sanitized) <= maxTopicLength {
			valid = append(valid, sanitized)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoValidTopics
	}
	return valid, nil
}

// FetchPapers returns a deduplicated, most-recent-first, length-capped list
// of paper summaries for the given category topics.
func (c *Client) FetchPapers(ctx context.Context, topics []string) ([]Paper, error) {
	valid, err := ValidateTopics(topics)
	if err != nil {
		return nil, err
	}

	var papers []Paper
	for _, topic := range valid {
		entries, err := c.fetchTopic(ctx, topic)
		if err != nil {
			return nil, err
		}
		papers = append(papers, entries...)
	}

	seen := make(map[string]bool, len(papers))
	unique := papers[:0]
	for _, p := range papers {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		unique = append(unique, p)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Published > unique[j].Published
	})
	if len(unique) > c.maxResults {
		unique = unique[:c.maxResults]
	}
	return unique, nil
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

func (c *Client) fetchTopic(ctx context.Context, topic string) ([]Paper, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("search_query", "cat:"+topic)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprintf("%d", c.maxResults))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("%w: parse feed: %v", ErrUnavailable, err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		id := entry.ID
		if idx := strings.LastIndex(id, "/abs/"); idx >= 0 {
			id = id[idx+len("/abs/"):]
		}
		if id == "" {
			continue
		}

		names := make([]string, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			names = append(names, strings.TrimSpace(a.Name))
		}

		papers = append(papers, Paper{
			ID:        id,
			Title:     strings.TrimSpace(entry.Title),
			Authors:   formatAuthors(names),
			Abstract:  collapseWhitespace(entry.Summary),
			Published: strings.TrimSpace(entry.Published),
			ArxivURL:  "https://arxiv.org/abs/" + id,
		})
	}
	return papers, nil
}

// formatAuthors keeps the first three names and appends "et al." beyond that.
func formatAuthors(names []string) string {
	if len(names) > 3 {
		return strings.Join(names[:3], ", ") + ", et al."
	}
	return strings.Join(names, ", ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
