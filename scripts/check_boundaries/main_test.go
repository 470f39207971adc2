package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRepositoryContextsRespectBoundaries(t *testing.T) {
	violations, err := collectViolations(filepath.Join("..", "..", "contexts"))
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s:%d imports %q (%s)", v.File, v.Line, v.Import, v.Rule)
	}
}

func TestCollectViolationsFlagsLayerBreaks(t *testing.T) {
	root := t.TempDir()
	write := func(rel string, content string) {
		t.Helper()
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	write("votes/pipeline/domain/vote.go", `package domain

import "ballotbox/contexts/votes/pipeline/adapters/memory"
`)
	write("votes/pipeline/application/use.go", `package application

import (
	"ballotbox/internal/platform/db"
	"ballotbox/contexts/other/service/domain"
)
`)
	write("votes/pipeline/application/use_test.go", `package application

import "ballotbox/internal/platform/db"
`)

	violations, err := collectViolations(root)
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	rules := map[string]bool{}
	for _, v := range violations {
		rules[v.Rule] = true
	}
	for _, rule := range []string{
		"domain must not import adapters",
		"application must not import runtime infrastructure",
		"cross-module imports are forbidden",
	} {
		if !rules[rule] {
			t.Fatalf("expected violation %q, got %+v", rule, violations)
		}
	}
	for _, v := range violations {
		if v.File == "contexts/votes/pipeline/application/use_test.go" {
			t.Fatalf("expected test files to be skipped")
		}
	}
}
