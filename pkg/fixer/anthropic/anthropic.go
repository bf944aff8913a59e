// Package anthropic implements fixer.Fixer using the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kishoreUdatha/mendbox/pkg/fixer"
	"github.com/kishoreUdatha/mendbox/pkg/patch"
)

const defaultBaseURL = "https://api.anthropic.com"

// Client implements fixer.Fixer using the Anthropic Messages API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// New creates a client for the Anthropic API.
// Model defaults to "claude-sonnet-4-20250514" if empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Fix sends the error summary and file context and parses the returned
// patches. Only the output shape is validated.
func (c *Client) Fix(ctx context.Context, req fixer.Request) (*fixer.Response, error) {
	text, err := c.complete(ctx, fixerSystemPrompt, buildUserPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("fixer call: %w", err)
	}

	parsed, err := parseFixResponse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing fixer response: %w", err)
	}

	resp := &fixer.Response{
		Success:     len(parsed.Patches) > 0,
		Explanation: parsed.Explanation,
	}
	for _, p := range parsed.Patches {
		if p.File == "" || p.Content == "" {
			continue
		}
		pp := patch.Patch{File: p.File, Content: p.Content}
		// Record what the fixer saw so application can detect external edits.
		if base, ok := req.Files[p.File]; ok {
			pp.BaseHash = patch.Hash(base)
		}
		resp.Patches = append(resp.Patches, pp)
	}
	resp.Success = len(resp.Patches) > 0
	return resp, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	reqBody := map[string]any{
		"model":      c.model,
		"max_tokens": 8192,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	}
	err := doJSONRoundTrip(ctx, c.client, "POST", c.baseURL+"/v1/messages",
		map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         c.apiKey,
			"anthropic-version": "2023-06-01",
		},
		reqBody, &result)
	if err != nil {
		return "", fmt.Errorf("anthropic API: %w", err)
	}

	for _, c := range result.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

func buildUserPrompt(req fixer.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\n## Errors\n%s\n\n## Files\n", req.ProjectID, req.ErrorSummary)

	paths := make([]string, 0, len(req.Files))
	for p := range req.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(&b, "### %s\n```\n%s\n```\n\n", p, req.Files[p])
	}
	return b.String()
}

type fixResponse struct {
	Explanation string `json:"explanation"`
	Patches     []struct {
		File    string `json:"file"`
		Content string `json:"content"`
	} `json:"patches"`
}

// parseFixResponse extracts the JSON object from the response. The response
// may contain markdown fences or extra text around the JSON.
func parseFixResponse(s string) (*fixResponse, error) {
	jsonStr := extractJSON(s)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var parsed fixResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("invalid patch JSON: %w", err)
	}
	return &parsed, nil
}

// extractJSON finds the first JSON object in the text, handling optional
// markdown code fences.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func doJSONRoundTrip(
	ctx context.Context,
	client *http.Client,
	method, url string,
	headers map[string]string,
	reqBody any,
	respBody any,
) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error (%d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

const fixerSystemPrompt = `You are a code-repair engine for live preview sandboxes.

You receive runtime/build errors from a containerized project plus the current
content of the most relevant files. Produce corrected full file contents that
fix the errors. Do not redesign the project; make the smallest change that
resolves the reported errors.

Return ONLY a JSON object (no other text) in this exact format:

{
  "explanation": "one-sentence summary of the fix",
  "patches": [
    {"file": "relative/path.py", "content": "entire corrected file content"}
  ]
}

Rules:
- "content" must be the COMPLETE new file, not a diff or fragment.
- Only include files that need to change.
- Preserve the project's existing style and structure.
- If the errors cannot be fixed from the given context, return {"patches": []}.`
