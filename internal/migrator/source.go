package migrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultExtensions are the descriptor file extensions loaded when none are configured.
var DefaultExtensions = []string{".yaml", ".yml", ".json"}

// descriptorFile is the on-disk shape of a migration. JSON files parse
// through the same YAML decoder.
type descriptorFile struct {
	Type         string `yaml:"type"`
	Database     string `yaml:"database"`
	Collection   string `yaml:"collection"`
	ID           string `yaml:"id"`
	Procedure    string `yaml:"procedure"`
	PartitionKey string `yaml:"partition_key"`
	Data         []any  `yaml:"data"`
	Loader       string `yaml:"loader"`
	Script       string `yaml:"script"`
	Body         string `yaml:"body"`
}

// Source discovers migration descriptors in a directory. A migration's
// name is its file name without the extension, <yyyymmddhhmmss>_<name>.
type Source struct {
	Dir        string
	Extensions []string
	Registry   *Registry
}

// NewSource returns a Source for dir. Empty exts means DefaultExtensions.
func NewSource(dir string, exts []string, reg *Registry) *Source {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Source{Dir: dir, Extensions: norm, Registry: reg}
}

// List returns all available migration names in ascending order.
func (s *Source) List() ([]string, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Load parses the descriptors of names, in the given order.
func (s *Source) Load(names []string) ([]Migration, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, n := range names {
		file, ok := files[n]
		if !ok {
			return nil, &StructuralValidationError{Name: n, Reason: "has no descriptor file"}
		}
		m, err := s.parse(n, filepath.Join(s.Dir, file))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Source) scan() (map[string]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		ext := strings.ToLower(filepath.Ext(file))
		if !s.loads(ext) {
			continue
		}
		name := strings.TrimSuffix(file, filepath.Ext(file))
		if prev, dup := files[name]; dup {
			return nil, fmt.Errorf("migration %s is defined twice: %s and %s", name, prev, file)
		}
		files[name] = file
	}
	return files, nil
}

func (s *Source) loads(ext string) bool {
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (s *Source) parse(name, path string) (Migration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Migration{}, fmt.Errorf("%s: %w", name, err)
	}
	var f descriptorFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Migration{}, &StructuralValidationError{Name: name, Reason: "cannot be parsed", Err: err}
	}
	kind, err := ParseKind(f.Type)
	if err != nil {
		return Migration{}, &StructuralValidationError{Name: name, Reason: "must have a valid 'type'", Err: err}
	}
	m := Migration{
		Name:         name,
		Kind:         kind,
		ID:           f.ID,
		Database:     f.Database,
		Collection:   f.Collection,
		ProcedureID:  f.Procedure,
		PartitionKey: f.PartitionKey,
		Path:         path,
		Data:         f.Data,
	}
	if f.Loader != "" {
		fn, ok := s.Registry.Loader(f.Loader)
		if !ok {
			return Migration{}, &StructuralValidationError{Name: name, Reason: unknownName("loader", f.Loader, s.Registry.Loaders())}
		}
		m.Loader = fn
	}
	switch kind {
	case KindScript:
		if f.Script != "" {
			fn, ok := s.Registry.Script(f.Script)
			if !ok {
				return Migration{}, &StructuralValidationError{Name: name, Reason: unknownName("script", f.Script, s.Registry.Scripts())}
			}
			m.Script = fn
		}
	case KindProcedure:
		m.Procedure = f.Body
	}
	return m, nil
}

func unknownName(kind, name string, known []string) string {
	reason := fmt.Sprintf("references unknown %s %q", kind, name)
	if len(known) > 0 {
		reason += " (registered: " + strings.Join(known, ", ") + ")"
	}
	return reason
}
