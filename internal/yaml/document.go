// Package yaml persists state documents: YAML files that start with a
// schema header, replaced atomically and backed by the last good version.
package yaml

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// Document is a state file body. Embedding SchemaHeader inline satisfies it.
type Document interface {
	Header() SchemaHeader
}

func (h SchemaHeader) Header() SchemaHeader { return h }

// WriteDocument encodes doc and replaces path with it. The previous file is
// kept as path.bak only while it still validates against the header, so the
// backup is always the last good version.
func WriteDocument(path string, doc Document) error {
	fileType := doc.Header().FileType
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fileType, err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("encode %s: %w", fileType, err)
	}

	prev, err := os.ReadFile(path)
	switch {
	case err == nil:
		if ValidateSchemaHeaderFromBytes(prev, fileType) == nil {
			if err := replace(path+".bak", prev); err != nil {
				return fmt.Errorf("keep backup: %w", err)
			}
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read previous %s: %w", path, err)
	}
	return replace(path, content)
}

// ReadDocument checks the header of content against fileType and decodes it
// into doc. Fields the document does not declare are rejected.
func ReadDocument(content []byte, fileType string, doc Document) error {
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return err
	}
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("decode %s: %w", fileType, err)
	}
	return nil
}

// WriteFile replaces path with content that carries no schema header, such
// as a generated config. The previous file is kept as path.bak.
func WriteFile(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("invalid yaml for %s: %w", filepath.Base(path), err)
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := replace(path+".bak", prev); err != nil {
			return fmt.Errorf("keep backup: %w", err)
		}
	}
	return replace(path, content)
}

// replace writes content next to path and renames it into place.
func replace(path string, content []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}
