package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// workspaceRoot resolves agent-supplied paths and refuses escapes.
type workspaceRoot string

func (w workspaceRoot) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	abs := filepath.Join(string(w), filepath.Clean("/"+rel))
	root := filepath.Clean(string(w))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

type readTool struct{ root workspaceRoot }

func (t *readTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	path, err := t.root.resolve(p.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type writeTool struct{ root workspaceRoot }

func (t *writeTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	path, err := t.root.resolve(p.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

type editTool struct{ root workspaceRoot }

func (t *editTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	path, err := t.root.resolve(p.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)
	if !strings.Contains(content, p.Old) {
		return "", fmt.Errorf("text to replace not found in %s", p.Path)
	}
	content = strings.Replace(content, p.Old, p.New, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s", p.Path), nil
}

type listDirTool struct{ root workspaceRoot }

func (t *listDirTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Path      string `json:"path"`
		Glob      string `json:"glob"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	path, err := t.root.resolve(p.Path)
	if err != nil {
		return "", err
	}

	var lines []string
	if p.Recursive {
		err = filepath.WalkDir(path, func(entry string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry == path {
				return nil
			}
			rel, _ := filepath.Rel(path, entry)
			if p.Glob != "" {
				if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
					return nil
				}
			}
			if d.IsDir() {
				rel += "/"
			}
			lines = append(lines, rel)
			return nil
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(path)
		if err == nil {
			for _, d := range entries {
				if p.Glob != "" {
					if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
						continue
					}
				}
				name := d.Name()
				if d.IsDir() {
					name += "/"
				}
				lines = append(lines, name)
			}
		}
	}
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "(empty)", nil
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

type fileSearchTool struct{ root workspaceRoot }

func (t *fileSearchTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if p.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	base, err := t.root.resolve(p.Path)
	if err != nil {
		return "", err
	}

	var matches []string
	err = filepath.WalkDir(base, func(entry string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && entry != base {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		ok, _ := filepath.Match(p.Pattern, name)
		if !ok && !strings.Contains(name, p.Pattern) {
			return nil
		}
		rel, _ := filepath.Rel(string(t.root), entry)
		matches = append(matches, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}
