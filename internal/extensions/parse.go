// Package extensions hot-loads agent-authored Python tool files from the
// workspace and keeps the tool registry in sync with the directory.
package extensions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the introspected shape of one extension file.
type Spec struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Fingerprint string
	Path        string
}

type headerDoc struct {
	Description string                 `yaml:"description"`
	Params      map[string]headerParam `yaml:"params"`
}

type headerParam struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

var (
	runRe       = regexp.MustCompile(`(?m)^async def run\(([^)]*)\)`)
	syncRunRe   = regexp.MustCompile(`(?m)^def run\(`)
	docstringRe = regexp.MustCompile(`(?s)async def run\([^)]*\)[^:]*:\s*\n\s*(?:"""(.*?)"""|'''(.*?)''')`)
)

// ParseFile introspects an extension source file. The tool name is the
// filename stem. Parameters come from a `# pith:` YAML header when present,
// otherwise from the typed signature of the required `async def run` entry
// point.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src := string(data)

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	spec := &Spec{
		Name:        name,
		Path:        path,
		Fingerprint: fingerprint(path, data),
	}

	sig := runRe.FindStringSubmatch(src)
	if sig == nil {
		if syncRunRe.MatchString(src) {
			return nil, fmt.Errorf("run must be declared async")
		}
		return nil, fmt.Errorf("no async def run entry point")
	}

	header, err := parseHeader(src)
	if err != nil {
		return nil, fmt.Errorf("invalid pith header: %w", err)
	}

	switch {
	case header != nil:
		spec.Description = header.Description
		spec.Schema = schemaFromHeader(header)
	default:
		spec.Schema = schemaFromSignature(sig[1])
	}
	if spec.Description == "" {
		if m := docstringRe.FindStringSubmatch(src); m != nil {
			doc := m[1]
			if doc == "" {
				doc = m[2]
			}
			spec.Description = strings.TrimSpace(doc)
		}
	}
	if spec.Description == "" {
		spec.Description = "Extension tool " + name
	}
	return spec, nil
}

// parseHeader collects `# pith:` comment lines into one YAML document.
// Returns nil when the file carries no header.
func parseHeader(src string) (*headerDoc, error) {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "# pith:"); ok {
			lines = append(lines, strings.TrimPrefix(rest, " "))
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}
	var doc headerDoc
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func schemaFromHeader(h *headerDoc) json.RawMessage {
	props := map[string]map[string]string{}
	var required []string
	for name, p := range h.Params {
		props[name] = map[string]string{"type": jsonType(p.Type)}
		if p.Required {
			required = append(required, name)
		}
	}
	return buildSchema(props, required)
}

// schemaFromSignature derives a schema from "name: type = default" items.
func schemaFromSignature(paramList string) json.RawMessage {
	props := map[string]map[string]string{}
	var required []string
	for _, raw := range strings.Split(paramList, ",") {
		param := strings.TrimSpace(raw)
		if param == "" || strings.HasPrefix(param, "*") {
			continue
		}
		hasDefault := strings.Contains(param, "=")
		if i := strings.Index(param, "="); i >= 0 {
			param = strings.TrimSpace(param[:i])
		}
		name := param
		ptype := ""
		if i := strings.Index(param, ":"); i >= 0 {
			name = strings.TrimSpace(param[:i])
			ptype = strings.TrimSpace(param[i+1:])
		}
		if name == "" {
			continue
		}
		props[name] = map[string]string{"type": jsonType(ptype)}
		if !hasDefault {
			required = append(required, name)
		}
	}
	return buildSchema(props, required)
}

func buildSchema(props map[string]map[string]string, required []string) json.RawMessage {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, _ := json.Marshal(schema)
	return out
}

func jsonType(pyType string) string {
	switch strings.ToLower(strings.TrimSpace(pyType)) {
	case "int", "integer":
		return "integer"
	case "float", "number":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "list", "array":
		return "array"
	case "dict", "object":
		return "object"
	default:
		return "string"
	}
}

// fingerprint combines size, mtime and a content hash so unchanged files are
// never reloaded.
func fingerprint(path string, data []byte) string {
	sum := sha256.Sum256(data)
	info, err := os.Stat(path)
	if err != nil {
		return hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%d:%d:%s", info.Size(), info.ModTime().UnixNano(), hex.EncodeToString(sum[:8]))
}
