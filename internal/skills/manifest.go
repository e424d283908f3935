// Package skills implements skill manifest parsing, the hot-refreshable
// registry snapshot, and sandbox-mediated skill execution.
package skills

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the fixed filename the registry looks for when
// discovering skills under the skills root.
const ManifestFileName = "SKILL.md"

// nameRegex enforces lowercase identifiers: letters, digits, underscores,
// and hyphens, starting with a letter.
var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*(-[a-z0-9_]+)*$`)

// Manifest represents a parsed SKILL.md file: a YAML front-matter header
// followed by a free-form markdown body with usage instructions.
type Manifest struct {
	// Name is the skill's unique identifier within a registry.
	Name string

	// Description is a short human-readable summary used in the catalog.
	Description string

	// ClientClass is the Python client class used for call synthesis.
	// Empty for skills that only accept raw code.
	ClientClass string

	// DefaultMethod is the method invoked on ClientClass when an
	// invocation supplies structured arguments instead of code.
	DefaultMethod string

	// Executable is false for documentation-only records, which are never
	// dispatched. Defaults to true when the key is absent.
	Executable bool

	// RelatedTools lists skill names whose documentation-only manifests
	// are attached to this skill's catalog entry.
	RelatedTools []string

	// Requires is an optional semver constraint on the runtime version.
	Requires string

	// Extra preserves unknown scalar header keys verbatim.
	Extra map[string]string

	// Body is the markdown content after the header, byte-for-byte.
	Body string

	// UsageExample is the first fenced python block under a "## Usage"
	// heading in the body, if any.
	UsageExample string

	// Path is the file the manifest was parsed from. Empty for manifests
	// built in tests.
	Path string
}

// usageRegex extracts the first fenced python block following a Usage heading.
var usageRegex = regexp.MustCompile("(?is)##\\s*Usage.*?```python\n(.*?)\n```")

// ParseManifest parses raw SKILL.md content into a validated Manifest.
// The file must begin (after optional blank lines) with a `---` delimiter
// line, followed by YAML key/value header lines, terminated by a second
// `---` line. Everything after the terminator is the body, verbatim.
func ParseManifest(data []byte) (*Manifest, error) {
	content := string(data)

	// Skip leading blank lines before the opening delimiter.
	rest := content
	for {
		line, tail, found := strings.Cut(rest, "\n")
		if strings.TrimSpace(line) == "" && found {
			rest = tail
			continue
		}
		if strings.TrimRight(line, " \t") != "---" {
			return nil, fmt.Errorf("parse manifest: missing front-matter delimiter")
		}
		if !found {
			return nil, fmt.Errorf("parse manifest: unterminated front-matter header")
		}
		rest = tail
		break
	}

	// Find the terminating delimiter line.
	var header, body string
	idx := -1
	search := rest
	offset := 0
	for {
		nl := strings.Index(search, "\n")
		var line string
		if nl < 0 {
			line = search
		} else {
			line = search[:nl]
		}
		if strings.TrimRight(line, " \t") == "---" {
			idx = offset
			break
		}
		if nl < 0 {
			break
		}
		offset += nl + 1
		search = search[nl+1:]
	}
	if idx < 0 {
		return nil, fmt.Errorf("parse manifest: unterminated front-matter header")
	}
	header = rest[:idx]
	body = rest[idx:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}

	m, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	m.Body = body
	if match := usageRegex.FindStringSubmatch(body); match != nil {
		m.UsageExample = strings.TrimSpace(match[1])
	}

	if err := validateManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseHeader decodes the YAML header block. yaml.v3 rejects duplicate
// mapping keys, which gives us the duplicate-key error for free.
func parseHeader(header string) (*Manifest, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return nil, fmt.Errorf("parse manifest header: %w", err)
	}

	m := &Manifest{
		Executable: true,
		Extra:      map[string]string{},
	}
	for key, val := range raw {
		switch key {
		case "name":
			m.Name = asString(val)
		case "description":
			m.Description = asString(val)
		case "client_class":
			m.ClientClass = asString(val)
		case "default_method":
			m.DefaultMethod = asString(val)
		case "executable":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("parse manifest header: executable must be a boolean (got %T)", val)
			}
			m.Executable = b
		case "related_tools":
			tools, err := asStringList(val)
			if err != nil {
				return nil, fmt.Errorf("parse manifest header: related_tools: %w", err)
			}
			m.RelatedTools = tools
		case "requires":
			m.Requires = asString(val)
		default:
			m.Extra[key] = asString(val)
		}
	}
	return m, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("manifest validation: name is required")
	}
	if !nameRegex.MatchString(m.Name) {
		return fmt.Errorf("manifest validation: invalid name %q (must match %s)", m.Name, nameRegex.String())
	}
	if m.Description == "" {
		return fmt.Errorf("manifest validation: description is required")
	}
	for _, rt := range m.RelatedTools {
		if !nameRegex.MatchString(rt) {
			return fmt.Errorf("manifest validation: invalid related tool name %q", rt)
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asStringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, asString(item))
		}
		return out, nil
	case string:
		// A single bare value is accepted as a one-element list.
		return []string{list}, nil
	default:
		return nil, fmt.Errorf("expected a list (got %T)", v)
	}
}
