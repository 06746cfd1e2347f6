package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

type Meta struct {
	ID        string `json:"id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func InitMeta(path, runID string, now time.Time) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	meta := Meta{
		ID:        runID,
		StartedAt: now.UTC().Format(time.RFC3339),
		Status:    StatusActive,
	}
	return writeMeta(path, meta)
}

func CloseMeta(path, runID, status, detail string, now time.Time) error {
	meta, err := readMeta(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		meta = Meta{
			ID:        runID,
			StartedAt: now.UTC().Format(time.RFC3339),
		}
	}
	if meta.ID == "" {
		meta.ID = runID
	}
	meta.Status = status
	meta.Detail = detail
	meta.EndedAt = now.UTC().Format(time.RFC3339)
	return writeMeta(path, meta)
}

func ReadMeta(path string) (Meta, error) {
	return readMeta(path)
}

func readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse run meta: %w", err)
	}
	return meta, nil
}

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run meta: %w", err)
	}
	return nil
}
