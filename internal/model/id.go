package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var generatedIDPattern = regexp.MustCompile(`^task_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateTaskID is used when intake omits an id: task_<unix seconds>_<8 hex>.
func GenerateTaskID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("task_%010d_%s", time.Now().Unix(), hex.EncodeToString(b[:])), nil
}

// ValidateID reports whether id has the generated form.
func ValidateID(id string) bool {
	return generatedIDPattern.MatchString(id)
}

// ParseIDTimestamp returns the intake second encoded in a generated id.
func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("not a generated task id: %s", id)
	}
	ts, err := strconv.ParseInt(id[5:15], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp of %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
