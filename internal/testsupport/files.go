package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path with exactly size bytes of filler, making parent
// directories as needed. A size <= 0 produces an empty file, which the
// pipeline treats as an unplayable segment.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunk = 64 * 1024
	filler := bytes.Repeat([]byte{0x47}, chunk)
	for remaining := size; remaining > 0; remaining -= chunk {
		n := int64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(filler[:n]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}
