package cron

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// jobsDocument is the canonical on-disk shape. Older releases stored a bare
// array; loadJobs accepts both.
type jobsDocument struct {
	Jobs []Job `json:"jobs"`
}

func loadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err == nil {
		return doc.Jobs, nil
	}
	var list []Job
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse cron store: %w", err)
	}
	return list, nil
}

// saveJobs rewrites the store atomically via write-then-rename so a crash
// mid-save never leaves a truncated document.
func saveJobs(path string, jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	doc := jobsDocument{Jobs: jobs}
	if doc.Jobs == nil {
		doc.Jobs = []Job{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cron store: %w", err)
	}
	return nil
}
