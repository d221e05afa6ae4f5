// Package snapshot talks to the version-control service that keeps durable
// point-in-time copies of document content. Snapshots are best-effort: the
// edit path never waits on this service and never sees its failures.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Creator is what the coordinator needs to persist a snapshot.
type Creator interface {
	Create(ctx context.Context, documentID, userID, content, description string) error
}

// LatestFetcher loads the most recent durable snapshot, used to seed
// in-memory state after a restart.
type LatestFetcher interface {
	Latest(ctx context.Context, documentID string) (content string, ok bool, err error)
}

// Client is an HTTP client for the version-control service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Create posts a snapshot as a form-encoded request. A non-2xx status is an
// error for the caller to log and drop; it must never reach a client.
func (c *Client) Create(ctx context.Context, documentID, userID, content, description string) error {
	form := url.Values{}
	form.Set("documentId", documentID)
	form.Set("userId", userID)
	form.Set("content", content)
	if description != "" {
		form.Set("description", description)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/versions", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build snapshot request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post snapshot")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("snapshot store returned %s", resp.Status)
	}
	return nil
}

type versionDTO struct {
	DocumentID    string `json:"documentId"`
	VersionNumber int    `json:"versionNumber"`
	Content       string `json:"content"`
}

// Latest returns the content of the newest stored version, with ok=false when
// the document has no version history yet.
func (c *Client) Latest(ctx context.Context, documentID string) (string, bool, error) {
	u := fmt.Sprintf("%s/api/versions/%s/history", c.baseURL, url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "build history request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, errors.Wrap(err, "get version history")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, errors.Errorf("snapshot store returned %s", resp.Status)
	}

	var versions []versionDTO
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return "", false, errors.Wrap(err, "decode version history")
	}
	if len(versions) == 0 {
		return "", false, nil
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	return latest.Content, true, nil
}
