// Package coretools registers the baseline filesystem and web tools every
// agent gets. Filesystem writes are mutating and so pause behind the
// approval gate; reads and fetches run freely.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hakim/helmsman/pkg/toolgateway"
)

const (
	maxReadBytes  = 200_000
	maxFetchBytes = 500_000
	fetchTimeout  = 30 * time.Second
)

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
}

// Register adds the core tools to the set.
func Register(set *toolgateway.Set, opts Options) error {
	if set == nil {
		return errors.New("tool set is required")
	}
	if opts.WorkspaceRoot == "" {
		return errors.New("workspace root is required")
	}

	tools := []toolgateway.Tool{
		readFileTool(opts),
		writeFileTool(opts),
		listDirTool(opts),
		fetchTool(),
	}
	for _, tool := range tools {
		if err := set.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) toolgateway.Tool {
	return toolgateway.Tool{
		Name:        "fs__read_file",
		Provider:    "fs",
		Description: "Read a file from the workspace.",
		Mutating:    false,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Relative file path"},
			},
			"required": []interface{}{"path"},
		},
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			path, _ := input["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, path)
			if err != nil {
				return "", err
			}

			f, err := os.Open(target)
			if err != nil {
				return "", err
			}
			defer f.Close()

			data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
			if err != nil {
				return "", err
			}
			return encodeOutput(map[string]interface{}{
				"path":    path,
				"content": string(data),
				"bytes":   len(data),
			})
		},
	}
}

func writeFileTool(opts Options) toolgateway.Tool {
	return toolgateway.Tool{
		Name:        "fs__write_file",
		Provider:    "fs",
		Description: "Write content to a file in the workspace.",
		Mutating:    true,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Relative file path"},
				"content": map[string]interface{}{"type": "string", "description": "File content"},
				"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of overwrite"},
			},
			"required": []interface{}{"path", "content"},
		},
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			path, _ := input["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, path)
			if err != nil {
				return "", err
			}
			content, _ := input["content"].(string)
			appendMode, _ := input["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", err
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(target, flags, 0644)
			if err != nil {
				return "", err
			}
			defer f.Close()

			n, err := f.WriteString(content)
			if err != nil {
				return "", err
			}
			return encodeOutput(map[string]interface{}{"path": path, "bytes": n})
		},
	}
}

func listDirTool(opts Options) toolgateway.Tool {
	return toolgateway.Tool{
		Name:        "fs__list_dir",
		Provider:    "fs",
		Description: "List entries of a workspace directory.",
		Mutating:    false,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Relative directory path"},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			path, _ := input["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, path)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return encodeOutput(map[string]interface{}{"path": path, "entries": names})
		},
	}
}

func fetchTool() toolgateway.Tool {
	client := &http.Client{Timeout: fetchTimeout}

	return toolgateway.Tool{
		Name:        "web__fetch",
		Provider:    "web",
		Description: "Fetch a URL over HTTP GET and return its body.",
		Mutating:    false,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "URL to fetch"},
			},
			"required": []interface{}{"url"},
		},
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			url, _ := input["url"].(string)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return "", fmt.Errorf("unsupported url scheme: %s", url)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return "", err
			}
			return encodeOutput(map[string]interface{}{
				"url":    url,
				"status": resp.StatusCode,
				"body":   string(body),
			})
		},
	}
}

// resolveInWorkspace joins a relative path under root and rejects escapes.
func resolveInWorkspace(root, path string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(root, path))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	targetAbs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if targetAbs != rootAbs && !strings.HasPrefix(targetAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return targetAbs, nil
}

func encodeOutput(v map[string]interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
