package workbench

import (
	"sort"
	"sync"
	"time"
)

// Document is the editor's view of one file.
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// Saved is the content last committed to the workspace.
	Saved     string    `json:"-"`
	Streaming bool      `json:"streaming"`
	Modified  bool      `json:"modified"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Documents holds open documents. Streamed agent output lands here before
// it is committed, so watchers see code arrive as it is generated.
type Documents struct {
	mu   sync.RWMutex
	docs map[string]*Document
	mods *Modifications
}

func NewDocuments(mods *Modifications) *Documents {
	return &Documents{docs: make(map[string]*Document), mods: mods}
}

func (d *Documents) getLocked(path string) *Document {
	doc, ok := d.docs[path]
	if !ok {
		doc = &Document{Path: path}
		d.docs[path] = doc
	}
	return doc
}

// Stream replaces the visible content with a partial agent write.
func (d *Documents) Stream(path, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := d.getLocked(path)
	doc.Content = content
	doc.Streaming = true
	doc.UpdatedAt = time.Now()
}

// Commit records content the agent wrote to the workspace. Any pending user
// modification of the file is dropped.
func (d *Documents) Commit(path, content string) {
	d.mu.Lock()
	doc := d.getLocked(path)
	doc.Content = content
	doc.Saved = content
	doc.Streaming = false
	doc.Modified = false
	doc.UpdatedAt = time.Now()
	d.mu.Unlock()

	if d.mods != nil {
		d.mods.Clear(path)
	}
}

// Edit records a user edit. The first edit after a commit remembers the
// committed content as the base of the modification.
func (d *Documents) Edit(path, content string) {
	d.mu.Lock()
	doc := d.getLocked(path)
	base := doc.Saved
	doc.Content = content
	doc.Streaming = false
	doc.Modified = content != base
	doc.UpdatedAt = time.Now()
	d.mu.Unlock()

	if d.mods != nil {
		d.mods.Track(path, base, content)
	}
}

// Get returns a copy of the document at path.
func (d *Documents) Get(path string) (Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[path]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// List returns copies of all documents sorted by path.
func (d *Documents) List() []Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Document, 0, len(d.docs))
	for _, doc := range d.docs {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
