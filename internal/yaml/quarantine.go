package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into quarantineDir and returns its new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak copy if that copy parses.
func RestoreFromBackup(filePath string) ([]byte, error) {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no backup file: %s", bakPath)
		}
		return nil, fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return nil, fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return nil, fmt.Errorf("restore from backup: %w", err)
	}
	return content, nil
}

// RecoverCorruptedFile quarantines filePath and tries its backup. It returns
// the restored content, or an error when the file could not be recovered.
func RecoverCorruptedFile(quarantineDir, filePath string) ([]byte, error) {
	if _, err := Quarantine(quarantineDir, filePath); err != nil {
		return nil, fmt.Errorf("quarantine failed: %w", err)
	}
	content, err := RestoreFromBackup(filePath)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", filepath.Base(filePath), err)
	}
	return content, nil
}
