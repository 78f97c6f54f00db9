package workbench

import (
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Modification is a user edit the agent has not seen yet.
type Modification struct {
	Path    string `json:"path"`
	Patch   string `json:"patch"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

type tracked struct {
	base    string
	current string
}

// Modifications remembers files the user changed after the agent last
// wrote them.
type Modifications struct {
	mu    sync.Mutex
	files map[string]*tracked
}

func NewModifications() *Modifications {
	return &Modifications{files: make(map[string]*tracked)}
}

// Track records the current content of path. base is only used for the
// first edit since the last Clear.
func (m *Modifications) Track(path, base, current string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.files[path]
	if !ok {
		t = &tracked{base: base}
		m.files[path] = t
	}
	t.current = current
}

// Clear forgets the modification of path.
func (m *Modifications) Clear(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// List returns a patch per modified file, sorted by path. Files edited back
// to their base are left out.
func (m *Modifications) List() []Modification {
	m.mu.Lock()
	defer m.mu.Unlock()

	dmp := diffmatchpatch.New()
	out := make([]Modification, 0, len(m.files))
	for path, t := range m.files {
		if t.base == t.current {
			continue
		}
		patches := dmp.PatchMake(t.base, t.current)
		added, removed := lineStats(dmp, t.base, t.current)
		out = append(out, Modification{
			Path:    path,
			Patch:   dmp.PatchToText(patches),
			Added:   added,
			Removed: removed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func lineStats(dmp *diffmatchpatch.DiffMatchPatch, before, after string) (added, removed int) {
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	for _, diff := range diffs {
		n := strings.Count(diff.Text, "\n")
		if !strings.HasSuffix(diff.Text, "\n") && diff.Text != "" {
			n++
		}
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}
