package unknown

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/doorbell/internal/vecio"
)

// metaFile is the on-disk metadata. NextID survives removals so ids are not
// reused across restarts.
type metaFile struct {
	NextID  uint64      `json:"next_id"`
	Entries []metaEntry `json:"entries"`
}

// metaEntry is one entry. Files written before entries had ids carry only
// the file name.
type metaEntry struct {
	ID   *uint64 `json:"id,omitempty"`
	File string  `json:"file"`
}

// readMeta accepts both the current object form and a bare legacy array.
func readMeta(path string) (metaFile, error) {
	var raw json.RawMessage
	ok, err := vecio.ReadJSON(path, &raw)
	if err != nil || !ok {
		return metaFile{}, err
	}

	var meta metaFile
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &meta.Entries)
	} else {
		err = json.Unmarshal(trimmed, &meta)
	}
	if err != nil {
		return metaFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return meta, nil
}

// Load replaces the in-memory state with the persisted one. Missing files
// count as empty. Entries without an id get their position when it is free.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok, err := vecio.ReadMatrixFile(c.opts.EmbeddingsPath)
	if err != nil {
		return err
	}
	meta, err := readMeta(c.opts.MetaPath)
	if err != nil {
		return err
	}

	dim := c.opts.Dim
	rows := 0
	if ok {
		rows = m.Rows
		if m.Cols > 0 {
			dim = m.Cols
		}
	}
	n := min(rows, len(meta.Entries))
	if rows != len(meta.Entries) {
		c.logger.Warn("unknown embeddings and metadata disagree, truncating",
			"embeddings", rows, "meta", len(meta.Entries), "kept", n)
	}

	used := make(map[uint64]bool, n)
	nextID := meta.NextID
	for _, e := range meta.Entries[:n] {
		if e.ID != nil {
			used[*e.ID] = true
			nextID = max(nextID, *e.ID+1)
		}
	}

	entries := make([]Entry, n)
	for i, e := range meta.Entries[:n] {
		var id uint64
		switch {
		case e.ID != nil:
			id = *e.ID
		case !used[uint64(i)]:
			id = uint64(i)
		default:
			id = nextID
		}
		used[id] = true
		nextID = max(nextID, id+1)
		entries[i] = Entry{ID: id, File: e.File, Embedding: append([]float32(nil), m.Row(i)...)}
	}

	c.dim = dim
	c.entries = entries
	c.data = nil
	if n > 0 {
		c.data = append([]float32(nil), m.Data[:n*dim]...)
	}
	c.nextID = nextID
	c.logger.Info("unknown cache loaded", "entries", n, "dim", dim, "next_id", nextID)
	return nil
}

// Save writes the embeddings matrix and the metadata, each atomically.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	data := c.data
	if data == nil {
		data = []float32{}
	}
	m := vecio.Matrix{Rows: len(c.entries), Cols: c.dim, Data: data}
	if err := vecio.WriteMatrixFile(c.opts.EmbeddingsPath, m); err != nil {
		return fmt.Errorf("saving unknown embeddings: %w", err)
	}
	meta := metaFile{NextID: c.nextID, Entries: make([]metaEntry, len(c.entries))}
	for i, e := range c.entries {
		id := e.ID
		meta.Entries[i] = metaEntry{ID: &id, File: e.File}
	}
	if err := vecio.WriteJSON(c.opts.MetaPath, meta); err != nil {
		return fmt.Errorf("saving unknown metadata: %w", err)
	}
	return nil
}
