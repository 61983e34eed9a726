package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxFetchBodySize caps response bodies returned to the model.
const maxFetchBodySize = 2 << 20

// WebFetchInput is the input shape for the web_fetch tool.
type WebFetchInput struct {
	URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
}

// WebFetchTool fetches a URL and returns the response body as text.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates a web_fetch tool with a bounded request timeout.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch the contents of a web page by URL." }

func (t *WebFetchTool) Schema() json.RawMessage {
	return SchemaFor(&WebFetchInput{})
}

func (t *WebFetchTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in WebFetchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &Result{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}

	parsed, err := url.Parse(in.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &Result{Content: "url must be http or https", IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodySize))
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if resp.StatusCode >= 400 {
		return &Result{
			Content: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
			IsError: true,
		}, nil
	}
	return &Result{Content: string(body)}, nil
}
