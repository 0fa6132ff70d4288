// Package store implements the panel's flat-file persistence: operator
// accounts, Telegram access lists, and durable session membership plus the
// per-device credential directories the transport provider writes into.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writeJSONAtomic marshals v and replaces path via a temp-file rename so a
// crash mid-write never leaves a truncated record set behind.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSONOrReset unmarshals path into v. A missing file initializes it with
// init. A corrupt file is backed up next to the original and reset, matching
// the panel's recover-don't-crash behavior for hand-edited records.
func readJSONOrReset(path string, v interface{}, init interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return writeJSONAtomic(path, init)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err == nil {
			return nil
		}
	}

	// Corrupt or empty: keep a backup for the operator, then reset.
	backup := fmt.Sprintf("%s.backup-%d", path, time.Now().UnixMilli())
	_ = os.WriteFile(backup, data, 0o644)
	return writeJSONAtomic(path, init)
}
