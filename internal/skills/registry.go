package skills

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sourcegraph/conc/pool"
)

// ErrSkillNotFound is returned by Snapshot.Get for unknown skill names.
type ErrSkillNotFound struct {
	Name string
}

func (e *ErrSkillNotFound) Error() string {
	return fmt.Sprintf("skill %q not found", e.Name)
}

// DuplicateNameError fails a registry build when two manifests declare the
// same name. It carries both paths so the operator can resolve the clash.
type DuplicateNameError struct {
	Name  string
	PathA string
	PathB string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate skill name %q: %s and %s", e.Name, e.PathA, e.PathB)
}

// Snapshot is an immutable view of all discovered skills. Snapshots are
// never mutated after Build; Refresh replaces the registry's pointer
// atomically so concurrent readers keep their prior view.
type Snapshot struct {
	byName  map[string]*Manifest
	names   []string // sorted
	Root    string
	BuiltAt time.Time
}

// Get returns the manifest for name, or ErrSkillNotFound.
func (s *Snapshot) Get(name string) (*Manifest, error) {
	m, ok := s.byName[name]
	if !ok {
		return nil, &ErrSkillNotFound{Name: name}
	}
	return m, nil
}

// List returns all manifests in name-sorted order.
func (s *Snapshot) List() []*Manifest {
	out := make([]*Manifest, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}
	return out
}

// Len returns the number of manifests in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// SummarizeForPrompt produces the skills catalog injected into the system
// prompt: every executable skill with its description and either its usage
// example or its full body, plus any attached documentation-only manifests
// named by related_tools. Documentation-only manifests not referenced by any
// executable skill are listed on their own so their content still reaches
// the model.
func (s *Snapshot) SummarizeForPrompt() string {
	if len(s.names) == 0 {
		return "<available_skills>No skills available</available_skills>"
	}

	referenced := map[string]bool{}
	for _, name := range s.names {
		m := s.byName[name]
		if !m.Executable {
			continue
		}
		for _, rt := range m.RelatedTools {
			referenced[rt] = true
		}
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, name := range s.names {
		m := s.byName[name]
		if !m.Executable {
			continue
		}
		writeCatalogEntry(&b, m, s)
	}
	// Orphan documentation records.
	for _, name := range s.names {
		m := s.byName[name]
		if m.Executable || referenced[name] {
			continue
		}
		fmt.Fprintf(&b, "  <skill_doc>\n    <name>%s</name>\n    <description>%s</description>\n    <content>\n%s\n    </content>\n  </skill_doc>\n",
			m.Name, m.Description, strings.TrimSpace(m.Body))
	}
	b.WriteString("</available_skills>")
	return b.String()
}

func writeCatalogEntry(b *strings.Builder, m *Manifest, s *Snapshot) {
	b.WriteString("  <skill>\n")
	fmt.Fprintf(b, "    <name>%s</name>\n", m.Name)
	fmt.Fprintf(b, "    <description>%s</description>\n", m.Description)
	if m.UsageExample != "" {
		fmt.Fprintf(b, "    <usage>\n```python\n%s\n```\n    </usage>\n", m.UsageExample)
	} else if body := strings.TrimSpace(m.Body); body != "" {
		fmt.Fprintf(b, "    <full_content>\n%s\n    </full_content>\n", body)
	}
	for _, rt := range m.RelatedTools {
		doc, err := s.Get(rt)
		if err != nil || doc.Executable {
			continue
		}
		fmt.Fprintf(b, "    <related_doc name=%q>\n%s\n    </related_doc>\n", doc.Name, strings.TrimSpace(doc.Body))
	}
	b.WriteString("  </skill>\n")
}

// Registry holds the current snapshot behind an atomic pointer. It is the
// only process-wide mutable state: a single writer refreshes, many readers
// borrow a snapshot for the lifetime of one request.
type Registry struct {
	root           string
	runtimeVersion string
	snap           atomic.Pointer[Snapshot]
}

// NewRegistry builds the initial snapshot from root and returns the
// registry. runtimeVersion gates manifests carrying a `requires` constraint;
// pass "" to skip compatibility filtering.
func NewRegistry(root, runtimeVersion string) (*Registry, error) {
	r := &Registry{root: root, runtimeVersion: runtimeVersion}
	snap, err := Build(root, runtimeVersion)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

// Snapshot returns the current snapshot. Callers keep the returned pointer
// for the duration of one request; later refreshes do not affect it.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Refresh builds a new snapshot and atomically replaces the current one.
// On build failure the prior snapshot is kept and the error returned.
func (r *Registry) Refresh() error {
	snap, err := Build(r.root, r.runtimeVersion)
	if err != nil {
		return fmt.Errorf("registry refresh: %w", err)
	}
	r.snap.Store(snap)
	return nil
}

// Build walks root for SKILL.md files and parses them into a snapshot.
// Individual parse failures and incompatible `requires` constraints are
// logged and excluded; duplicate names fail the whole build.
func Build(root, runtimeVersion string) (*Snapshot, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Hidden and underscore-prefixed directories are not skills.
			base := filepath.Base(path)
			if path != root && (strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ManifestFileName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan skills dir %q: %w", root, err)
	}
	sort.Strings(paths)

	type parsed struct {
		path     string
		manifest *Manifest
	}

	p := pool.NewWithResults[*parsed]().WithMaxGoroutines(8)
	for _, path := range paths {
		p.Go(func() *parsed {
			m, err := parseManifestFile(path, runtimeVersion)
			if err != nil {
				log.Printf("warning: skipping skill manifest %s: %v", path, err)
				return nil
			}
			return &parsed{path: path, manifest: m}
		})
	}
	results := p.Wait()

	// Pool results keep submission order, so duplicate detection is
	// deterministic across builds.
	byName := make(map[string]*Manifest)
	for _, res := range results {
		if res == nil {
			continue
		}
		if prior, ok := byName[res.manifest.Name]; ok {
			return nil, &DuplicateNameError{
				Name:  res.manifest.Name,
				PathA: prior.Path,
				PathB: res.path,
			}
		}
		byName[res.manifest.Name] = res.manifest
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Snapshot{
		byName:  byName,
		names:   names,
		Root:    root,
		BuiltAt: time.Now().UTC(),
	}, nil
}

func parseManifestFile(path, runtimeVersion string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.Path = path

	if m.Requires != "" && runtimeVersion != "" {
		constraint, err := semver.NewConstraint(m.Requires)
		if err != nil {
			return nil, fmt.Errorf("invalid requires constraint %q: %w", m.Requires, err)
		}
		version, err := semver.NewVersion(runtimeVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid runtime version %q: %w", runtimeVersion, err)
		}
		if !constraint.Check(version) {
			return nil, fmt.Errorf("requires runtime %q, running %s", m.Requires, runtimeVersion)
		}
	}
	return m, nil
}
