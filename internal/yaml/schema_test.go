package yaml

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSchemaHeader_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	os.WriteFile(path, []byte("schema_version: 1\nfile_type: task_row\ntask: {}\n"), 0644)

	if err := ValidateSchemaHeader(path, FileTypeTaskRow); err != nil {
		t.Errorf("expected valid, got error: %v", err)
	}
}

func TestValidateSchemaHeader_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"unsupported version", "schema_version: 99\nfile_type: task_row\n", FileTypeTaskRow},
		{"negative version", "schema_version: -1\nfile_type: task_row\n", FileTypeTaskRow},
		{"missing version", "file_type: task_row\n", FileTypeTaskRow},
		{"missing file type", "schema_version: 1\n", FileTypeTaskRow},
		{"unknown file type", "schema_version: 1\nfile_type: queue_command\n", ""},
		{"not yaml", "schema_version: [\n", FileTypeTaskRow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidateSchemaHeader_EmptyExpectedType(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: task_row\n")
	if err := ValidateSchemaHeaderFromBytes(content, ""); err != nil {
		t.Errorf("expected valid with empty expected type, got: %v", err)
	}
}

func TestNewHeader(t *testing.T) {
	h := NewHeader(FileTypeTaskRow)
	if h.SchemaVersion != CurrentSchemaVersion || h.FileType != FileTypeTaskRow {
		t.Errorf("unexpected header %+v", h)
	}
}
