package workbench

import (
	"strings"
	"testing"
)

func TestDocumentsStreamCommitEdit(t *testing.T) {
	mods := NewModifications()
	docs := NewDocuments(mods)

	docs.Stream("index.html", "<h1>")
	doc, ok := docs.Get("index.html")
	if !ok || !doc.Streaming || doc.Content != "<h1>" {
		t.Fatalf("unexpected streamed doc %+v", doc)
	}

	docs.Commit("index.html", "<h1>Hi</h1>\n")
	doc, _ = docs.Get("index.html")
	if doc.Streaming || doc.Modified || doc.Saved != "<h1>Hi</h1>\n" {
		t.Fatalf("unexpected committed doc %+v", doc)
	}

	docs.Edit("index.html", "<h1>Hello</h1>\n")
	docs.Edit("index.html", "<h1>Hello there</h1>\n")
	list := mods.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 modification, got %d", len(list))
	}
	if list[0].Added != 1 || list[0].Removed != 1 {
		t.Errorf("expected +1/-1, got +%d/-%d", list[0].Added, list[0].Removed)
	}
	if !strings.Contains(list[0].Patch, "there") {
		t.Errorf("patch should describe the latest edit: %q", list[0].Patch)
	}

	docs.Edit("index.html", "<h1>Hi</h1>\n")
	if got := mods.List(); len(got) != 0 {
		t.Errorf("edit back to base should not be listed, got %+v", got)
	}
	doc, _ = docs.Get("index.html")
	if doc.Modified {
		t.Error("document equal to saved content should not be modified")
	}

	docs.Edit("index.html", "changed\n")
	docs.Commit("index.html", "agent\n")
	if got := mods.List(); len(got) != 0 {
		t.Errorf("commit should clear modifications, got %+v", got)
	}
}

func TestDocumentsList(t *testing.T) {
	docs := NewDocuments(nil)
	docs.Commit("b.js", "b")
	docs.Commit("a.js", "a")
	docs.Edit("c.js", "c")

	list := docs.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(list))
	}
	for i, want := range []string{"a.js", "b.js", "c.js"} {
		if list[i].Path != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].Path)
		}
	}
	if _, ok := docs.Get("missing.js"); ok {
		t.Error("expected missing document")
	}
}
