package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/docrelay/docrelay/internal/llm"
)

// CoreToolsConfig locates the filesystem surface the built-in tools
// operate on.
type CoreToolsConfig struct {
	// CodeOutputPath is where writeCode persists generated code.
	CodeOutputPath string

	// CorpusDir is the root listFiles globs over.
	CorpusDir string
}

// RegisterCoreTools installs the built-in tools into reg.
func RegisterCoreTools(reg *ToolRegistry, cfg CoreToolsConfig) error {
	if err := reg.Register(Tool{
		Definition: defWriteCode(),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			code, _ := args["code"].(string)
			if strings.TrimSpace(cfg.CodeOutputPath) == "" {
				return "", fmt.Errorf("no code output path configured")
			}
			if err := os.MkdirAll(filepath.Dir(cfg.CodeOutputPath), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(cfg.CodeOutputPath, []byte(code), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("code written to %s (%d bytes)", cfg.CodeOutputPath, len(code)), nil
		},
	}); err != nil {
		return err
	}

	return reg.Register(Tool{
		Definition: defListFiles(),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			if strings.TrimSpace(pattern) == "" {
				pattern = "**/*"
			}
			root := cfg.CorpusDir
			if strings.TrimSpace(root) == "" {
				root = "."
			}
			matches, err := doublestar.Glob(os.DirFS(root), pattern)
			if err != nil {
				return "", fmt.Errorf("bad glob pattern %q: %w", pattern, err)
			}
			sort.Strings(matches)
			if len(matches) == 0 {
				return "no files match " + pattern, nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func defWriteCode() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "writeCode",
		Description: "Persist a snippet of generated code to the workspace output file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "The complete code to write.",
				},
			},
			"required": []any{"code"},
		},
	}
}

func defListFiles() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "listFiles",
		Description: "List documentation corpus files matching a glob pattern.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Doublestar glob pattern, e.g. **/*.md",
				},
			},
		},
	}
}
