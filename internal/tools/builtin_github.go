package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	githubAPIBase    = "https://api.github.com"
	githubAPITimeout = 30 * time.Second
)

func githubAPISpec(token string) Spec {
	client := &http.Client{Timeout: githubAPITimeout}
	return Spec{
		Name:        "github_api",
		Description: "Call the GitHub REST API. Path is relative to api.github.com, e.g. /repos/{owner}/{repo}/issues.",
		InputSchema: objectSchema(map[string]any{
			"method": strProp("HTTP method: GET, POST, PATCH, PUT or DELETE. Default GET."),
			"path":   strProp("API path starting with '/'."),
			"body":   map[string]any{"type": "object", "description": "JSON request body for mutating methods."},
		}, "path"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			path := strings.TrimSpace(strArg(args, "path"))
			if path == "" || !strings.HasPrefix(path, "/") {
				return Fail("path is required and must start with '/'")
			}
			method := strings.ToUpper(strings.TrimSpace(strArg(args, "method")))
			if method == "" {
				method = http.MethodGet
			}
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
			default:
				return Failf("method %q is not allowed", method)
			}
			if method != http.MethodGet && inv.ReadOnly {
				return Failf("github_api %s is not allowed in read-only mode", method)
			}

			var reqBody io.Reader
			if b, ok := args["body"]; ok && b != nil {
				encoded, err := json.Marshal(b)
				if err != nil {
					return Failf("cannot encode body: %v", err)
				}
				reqBody = bytes.NewReader(encoded)
			}

			req, err := http.NewRequestWithContext(ctx, method, githubAPIBase+path, reqBody)
			if err != nil {
				return Failf("cannot build request: %v", err)
			}
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			req.Header.Set("Authorization", "Bearer "+token)
			if reqBody != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := client.Do(req)
			if err != nil {
				return Failf("request failed: %v", err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxToolOutputBytes+1))
			if err != nil {
				return Failf("read response: %v", err)
			}
			out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, truncateOutput(string(respBody)))
			if resp.StatusCode >= 400 {
				return Fail(out)
			}
			return OK(out)
		},
	}
}
