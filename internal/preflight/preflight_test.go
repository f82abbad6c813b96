package preflight_test

import (
	"context"
	"path/filepath"
	"testing"

	"strand/internal/preflight"
	"strand/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()

	result := preflight.CheckDirectoryAccess("Staging directory", dir)
	if !result.Passed {
		t.Fatalf("expected pass for %s: %s", dir, result.Detail)
	}

	missing := preflight.CheckDirectoryAccess("Staging directory", filepath.Join(dir, "nope"))
	if missing.Passed {
		t.Fatal("expected failure for missing directory")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()

	unlimited := preflight.CheckFreeSpace("Free space", dir, 0)
	if !unlimited.Passed {
		t.Fatalf("expected pass with zero minimum: %s", unlimited.Detail)
	}

	// No filesystem has an exabyte free.
	absurd := preflight.CheckFreeSpace("Free space", dir, 1<<30)
	if absurd.Passed {
		t.Fatal("expected failure for absurd minimum")
	}
}

func TestHasFreeSpace(t *testing.T) {
	dir := t.TempDir()

	ok, err := preflight.HasFreeSpace(dir, 0)
	if err != nil || !ok {
		t.Fatalf("expected pass with zero minimum, got ok=%v err=%v", ok, err)
	}

	ok, err = preflight.HasFreeSpace(dir, 1<<30)
	if err != nil {
		t.Fatalf("HasFreeSpace failed: %v", err)
	}
	if ok {
		t.Fatal("expected absurd minimum to fail")
	}
}

func TestRunAllWithStubbedBinaries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	results := preflight.RunAll(context.Background(), cfg)
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	for _, result := range results {
		if !result.Passed {
			t.Fatalf("expected %s to pass: %s", result.Name, result.Detail)
		}
	}
}
