package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// pullTimeout bounds the periodic read of a remote job collection.
	pullTimeout = 8 * time.Second
	// pushTimeout bounds each leg of the read-modify-write push.
	pushTimeout = 15 * time.Second
)

// client talks to one or more remote scheduling endpoints.
type client struct {
	http   *http.Client
	schema *jsonschema.Schema
}

func newClient() (*client, error) {
	schema, err := compileDocumentSchema()
	if err != nil {
		return nil, err
	}
	return &client{http: &http.Client{}, schema: schema}, nil
}

func cronsURL(apiURL string) string {
	return strings.TrimRight(apiURL, "/") + "/api/chat/crons"
}

// readJobs fetches and validates the endpoint's job collection.
func (c *client) readJobs(ctx context.Context, apiURL, token string, timeout time.Duration) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cronsURL(apiURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build crons request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch remote crons: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read remote crons: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote crons read failed (%d)", resp.StatusCode)
	}

	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode remote crons: %w", err)
	}
	if err := c.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("remote crons document rejected: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode remote crons: %w", err)
	}
	return &doc, nil
}

// writeJobs replaces the endpoint's job collection, echoing the version
// marker that was read before the merge.
func (c *client) writeJobs(ctx context.Context, apiURL, token string, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode crons document: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cronsURL(apiURL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build crons write: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write remote crons: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("remote crons write failed (%d): %s", resp.StatusCode, string(snippet))
	}
	return nil
}
