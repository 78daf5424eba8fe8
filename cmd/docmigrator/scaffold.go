package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	cfg "docmigrator/internal/config"
)

const versionLayout = "20060102150405"

var stubs = map[string]string{
	"yaml": `type: STOREDPROCEDURE
database: {{ or (index .Vars "database") "catalog" }}
collection: {{ or (index .Vars "collection") "main" }}
id: {{ .ID }}
body: |
  function (control, data) {
    var response = getContext().getResponse();
    var body = { processed: 0 };
    // process data starting at control.continuation
    body.status = 'DONE';
    response.setBody(body);
  }
`,
	"json": `{
  "type": "SCRIPT",
  "database": "{{ or (index .Vars "database") "catalog" }}",
  "collection": "{{ or (index .Vars "collection") "main" }}",
  "id": "{{ .ID }}",
  "script": "{{ .Name }}"
}
`,
}

// stubData is what a stub template sees.
type stubData struct {
	ID      string
	Name    string
	Version string
	Vars    map[string]string
}

// createMigration writes a new descriptor named <yyyymmddhhmmss>_<name>.<ext>
// into c.Path, rendered from c.Stub or the built-in stub of c.Extension.
func createMigration(c cfg.Config, name string, now time.Time) (string, error) {
	name = strings.TrimPrefix(name, "-")
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("a name must be specified for the generated migration")
	}
	tmpl, err := loadStub(c)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.Path, 0o755); err != nil {
		return "", err
	}

	version := now.Format(versionLayout)
	base := version + "_" + sanitizeName(name)
	vars := c.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, stubData{ID: base, Name: sanitizeName(name), Version: version, Vars: vars}); err != nil {
		return "", fmt.Errorf("render stub: %w", err)
	}

	full := filepath.Join(c.Path, base+"."+c.Extension)
	if err := os.WriteFile(full, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return full, nil
}

func loadStub(c cfg.Config) (*template.Template, error) {
	if c.Stub != "" {
		b, err := os.ReadFile(c.Stub)
		if err != nil {
			return nil, fmt.Errorf("read stub: %w", err)
		}
		return template.New(filepath.Base(c.Stub)).Option("missingkey=zero").Parse(string(b))
	}
	ext := c.Extension
	if ext == "yml" {
		ext = "yaml"
	}
	stub, ok := stubs[ext]
	if !ok {
		return nil, fmt.Errorf("no built-in stub for extension %q, set stub in the config", c.Extension)
	}
	return template.New(ext).Parse(stub)
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else if r == ' ' || r == '.' || r == '/' || r == '\\' {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "migration"
	}
	return string(out)
}
