package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// document is the persisted store shape: every task by id plus the four
// ordered backlog tiers.
type document struct {
	Tasks   map[string]*Task `json:"tasks"`
	Backlog backlog          `json:"backlog"`
}

type backlog struct {
	Now     []string `json:"now"`
	Next    []string `json:"next"`
	Later   []string `json:"later"`
	Someday []string `json:"someday"`
}

// clone copies every tier so a caller can snapshot the backlog before a
// mutation and restore it if the write fails.
func (b backlog) clone() backlog {
	return backlog{
		Now:     append([]string(nil), b.Now...),
		Next:    append([]string(nil), b.Next...),
		Later:   append([]string(nil), b.Later...),
		Someday: append([]string(nil), b.Someday...),
	}
}

func newDocument() document {
	return document{
		Tasks: make(map[string]*Task),
		Backlog: backlog{
			Now:     []string{},
			Next:    []string{},
			Later:   []string{},
			Someday: []string{},
		},
	}
}

func (b *backlog) tier(t Tier) *[]string {
	switch t {
	case TierNow:
		return &b.Now
	case TierNext:
		return &b.Next
	case TierLater:
		return &b.Later
	case TierSomeday:
		return &b.Someday
	}
	return nil
}

// tierOf returns the tier holding id, or "" when the id is in no tier.
func (b *backlog) tierOf(id string) Tier {
	for _, t := range Tiers() {
		for _, cur := range *b.tier(t) {
			if cur == id {
				return t
			}
		}
	}
	return ""
}

func (b *backlog) remove(id string) {
	for _, t := range Tiers() {
		arr := b.tier(t)
		for i, cur := range *arr {
			if cur == id {
				*arr = append((*arr)[:i], (*arr)[i+1:]...)
				return
			}
		}
	}
}

// loadDocument reads the store file. A missing file yields an empty
// document; unparseable content is a CorruptStoreError, never a reset.
func loadDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newDocument(), nil
	}
	if err != nil {
		return document{}, fmt.Errorf("reading task store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, &CorruptStoreError{Path: path, Err: err}
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*Task)
	}
	for _, t := range Tiers() {
		if arr := doc.Backlog.tier(t); *arr == nil {
			*arr = []string{}
		}
	}
	return doc, nil
}

// saveDocument writes the store atomically: temp file in the same directory,
// fsync, rename over the target.
func saveDocument(path string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task store: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating task store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tasks-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing task store: %w", err)
	}
	return nil
}

// cloneTask deep-copies a task so snapshot readers never alias store state.
func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	out.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	out.Dependencies = Dependencies{
		Blocks:   append([]string(nil), t.Dependencies.Blocks...),
		Requires: append([]string(nil), t.Dependencies.Requires...),
		Related:  append([]string(nil), t.Dependencies.Related...),
	}
	if t.Started != nil {
		started := *t.Started
		out.Started = &started
	}
	if t.Completed != nil {
		completed := *t.Completed
		out.Completed = &completed
	}
	if t.Completion != nil {
		meta := *t.Completion
		meta.Deliverables = append([]string(nil), t.Completion.Deliverables...)
		out.Completion = &meta
	}
	return &out
}
