package definition_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fluvius-io/fluvius-interim/definition"
)

const reviewYAML = `
key: document-review
title: Document Review
revision: 2
stages:
  - key: authoring
    title: Authoring
    order: 1
  - key: approval
    title: Approval
    order: 2
roles: [author, reviewer]
nodes:
  - key: draft
    kind: step
    stage: authoring
    start: true
    required: true
    handler: prepare-draft
    retry:
      max_attempts: 3
      policy: backoff
      delay_seconds: 5
    next: [review]
  - key: review
    kind: wait
    stage: approval
    event: document.reviewed
    selector: document_id
    next: [publish]
  - key: publish
    kind: step
    stage: approval
    handler: publish-document
triggers:
  - name: document.submitted
    action: start-workflow
    param_map:
      doc: document_id
policy:
  create-workflow: [author]
  inject-event: [reviewer]
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.yaml")
	if err := os.WriteFile(path, []byte(reviewYAML), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	l := definition.NewLoader()
	w, err := l.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if w.Key != "document-review" || w.Revision != 2 {
		t.Errorf("unexpected identity %s@%d", w.Key, w.Revision)
	}
	if len(w.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(w.Nodes))
	}
	if w.Nodes[0].Retry == nil || w.Nodes[0].Retry.Policy != definition.RetryBackoff {
		t.Errorf("retry policy not parsed: %+v", w.Nodes[0].Retry)
	}
	if w.Nodes[1].Kind != definition.KindWait || w.Nodes[1].Selector != "document_id" {
		t.Errorf("wait node not parsed: %+v", w.Nodes[1])
	}
	if w.Checksum == "" {
		t.Error("expected checksum")
	}
	if w.Source != path {
		t.Errorf("expected source %q, got %q", path, w.Source)
	}
	if err := definition.Validate(w); err != nil {
		t.Errorf("loaded definition should validate: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(reviewYAML), 0o600); err != nil {
		t.Fatalf("write a: %v", err)
	}
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.yml"), []byte(reviewYAML), 0o600); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o600); err != nil {
		t.Fatalf("write ignore: %v", err)
	}

	defs, err := definition.NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir failed: %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("expected 2 definitions, got %d", len(defs))
	}
}

func TestParseDefaultsRevision(t *testing.T) {
	w, err := definition.NewLoader().Parse([]byte("key: tiny-flow\ntitle: Tiny"), "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if w.Revision != 1 {
		t.Errorf("expected default revision 1, got %d", w.Revision)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := definition.NewLoader().Parse([]byte("{not yaml: ["), ""); err == nil {
		t.Error("expected parse error")
	}
}
