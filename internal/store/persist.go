package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/model"
	yamlutil "github.com/msageha/taskgate/internal/yaml"
)

const (
	tasksDir      = "tasks"
	quarantineDir = "quarantine"
	auditFile     = "audit.jsonl"
)

// rowFile is the on-disk form of a task. The payload is kept as a JSON
// string so it survives the YAML round trip byte for byte.
type rowFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Task                  *model.Task `yaml:"task"`
	Payload               string      `yaml:"payload,omitempty"`
}

func (s *Store) rowPath(id string) string {
	return filepath.Join(s.dir, tasksDir, id+".yaml")
}

func (s *Store) saveRow(t *model.Task) error {
	if s.dir == "" {
		return nil
	}
	return yamlutil.WriteDocument(s.rowPath(t.ID), &rowFile{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeTaskRow),
		Task:         t,
		Payload:      string(t.Payload),
	})
}

func (s *Store) removeRow(id string) {
	if s.dir == "" {
		return
	}
	path := s.rowPath(id)
	for _, p := range []string{path, path + ".bak"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove row file", zap.String("path", p), zap.Error(err))
		}
	}
}

func parseRow(content []byte) (*model.Task, error) {
	var rf rowFile
	if err := yamlutil.ReadDocument(content, yamlutil.FileTypeTaskRow, &rf); err != nil {
		return nil, err
	}
	if rf.Task == nil {
		return nil, fmt.Errorf("row has no task")
	}
	if rf.Payload != "" {
		rf.Task.Payload = json.RawMessage(rf.Payload)
	}
	if !rf.Task.Status.Valid() {
		return nil, fmt.Errorf("row has unknown status %q", rf.Task.Status)
	}
	return rf.Task, nil
}

// loadRows reads every persisted row. A corrupted row is quarantined and
// replaced by its backup; a row that cannot be recovered is skipped.
func (s *Store) loadRows() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, tasksDir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("list rows: %w", err)
	}
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read row %s: %w", path, err)
		}
		t, err := parseRow(content)
		if err != nil {
			s.logger.Warn("corrupted task row, recovering from backup",
				zap.String("path", path), zap.Error(err))
			restored, rerr := yamlutil.RecoverCorruptedFile(filepath.Join(s.dir, quarantineDir), path)
			if rerr != nil {
				s.logger.Error("task row lost", zap.String("path", path), zap.Error(rerr))
				continue
			}
			if t, err = parseRow(restored); err != nil {
				s.logger.Error("task row backup unusable", zap.String("path", path), zap.Error(err))
				continue
			}
		}
		if want := strings.TrimSuffix(filepath.Base(path), ".yaml"); t.ID != want {
			s.logger.Error("task row id mismatch",
				zap.String("path", path), zap.String("task_id", t.ID))
			continue
		}
		s.rows[t.ID] = t
	}
	return nil
}

// replayAudit rebuilds the decision history and returns the last sequence.
func (s *Store) replayAudit() (int64, error) {
	entries, skipped, err := events.ReadEntries(filepath.Join(s.dir, auditFile))
	if err != nil {
		return 0, fmt.Errorf("replay audit log: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unreadable audit entries", zap.Int("count", skipped))
	}

	var seq int64
	for _, e := range entries {
		seq = e.Seq
		h, ok := s.history[e.TaskID]
		if !ok {
			h = &model.TaskHistory{}
			s.history[e.TaskID] = h
		}
		if err := applyEntry(h, e); err != nil {
			s.logger.Warn("skipped audit entry",
				zap.Int64("seq", e.Seq), zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}
	return seq, nil
}

func applyEntry(h *model.TaskHistory, e events.LogEntry) error {
	switch e.Kind {
	case events.KindTransition:
		var tr model.Transition
		if err := json.Unmarshal(e.Record, &tr); err != nil {
			return err
		}
		h.Transitions = append(h.Transitions, tr)
	case events.KindVerdict:
		var v model.QualityVerdict
		if err := json.Unmarshal(e.Record, &v); err != nil {
			return err
		}
		h.Verdicts = append(h.Verdicts, v)
	case events.KindDecision:
		var d model.QualityGateDecision
		if err := json.Unmarshal(e.Record, &d); err != nil {
			return err
		}
		h.Decisions = append(h.Decisions, d)
	case events.KindAttempt:
		var a model.RemediationAttempt
		if err := json.Unmarshal(e.Record, &a); err != nil {
			return err
		}
		h.Attempts = append(h.Attempts, a)
	case events.KindEscalation:
		var esc model.Escalation
		if err := json.Unmarshal(e.Record, &esc); err != nil {
			return err
		}
		applyEscalation(h, esc)
	default:
		return fmt.Errorf("unknown record kind %q", e.Kind)
	}
	return nil
}
