package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoCredential marks a remote agent whose gateway token is missing.
var ErrNoCredential = errors.New("remote gateway token not configured")

// remoteTimeout bounds the synchronous round-trip to a remote agent.
const remoteTimeout = 120 * time.Second

type remoteSendRequest struct {
	Message   string `json:"message"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type remoteSendResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// sendRemote posts the message to the remote chat API and waits for the
// agent's reply.
func sendRemote(ctx context.Context, apiURL, token, message string) (string, error) {
	body, err := json.Marshal(remoteSendRequest{
		Message:   message,
		TimeoutMS: remoteTimeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("encode remote message: %w", err)
	}

	url := strings.TrimRight(apiURL, "/") + "/api/chat/send"
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("remote agent rejected credential (401)")
	}
	if resp.StatusCode != http.StatusOK {
		var parsed remoteSendResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			return "", fmt.Errorf("remote error (%d): %s", resp.StatusCode, parsed.Error)
		}
		return "", fmt.Errorf("remote error (%d)", resp.StatusCode)
	}

	var parsed remoteSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode remote response: %w", err)
	}
	if parsed.Response == "" {
		return "(No response)", nil
	}
	return parsed.Response, nil
}
