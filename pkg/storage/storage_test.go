package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	s := NewLocal(t.TempDir())

	if err := s.Write("p1", "src/app.py", "print('hi')\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	content, ok, err := s.Read("p1", "src/app.py")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if content != "print('hi')\n" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestReadAbsentFile(t *testing.T) {
	s := NewLocal(t.TempDir())
	_, ok, err := s.Read("p1", "nope.txt")
	if err != nil {
		t.Fatalf("absent file should not error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	s := NewLocal(t.TempDir())
	if err := s.Write("p1", "../outside.txt", "x"); err == nil {
		t.Fatal("expected escape error on write")
	}
	if _, _, err := s.Read("p1", "../../etc/passwd"); err == nil {
		t.Fatal("expected escape error on read")
	}
}

func TestListSkipsDependencyDirs(t *testing.T) {
	base := t.TempDir()
	s := NewLocal(base)

	mustWrite := func(path, content string) {
		t.Helper()
		if err := s.Write("p1", path, content); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	mustWrite("app.py", "x")
	mustWrite("lib/util.py", "x")
	mustWrite("node_modules/pkg/index.js", "x")
	mustWrite("__pycache__/app.cpython-311.pyc", "x")

	files, err := s.List("p1", "*")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	got := map[string]bool{}
	for _, f := range files {
		got[f] = true
	}
	if !got["app.py"] || !got["lib/util.py"] {
		t.Fatalf("missing expected files: %v", files)
	}
	for f := range got {
		if filepath.Dir(f) == "node_modules/pkg" || filepath.Dir(f) == "__pycache__" {
			t.Fatalf("dependency dir not skipped: %s", f)
		}
	}
}

func TestListGlob(t *testing.T) {
	s := NewLocal(t.TempDir())
	_ = s.Write("p1", "app.py", "x")
	_ = s.Write("p1", "index.js", "x")
	_ = s.Write("p1", "src/deep.py", "x")

	pyFiles, err := s.List("p1", "*.py")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pyFiles) != 2 {
		t.Fatalf("expected 2 .py files (basename match), got %v", pyFiles)
	}

	srcFiles, err := s.List("p1", "src/*.py")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(srcFiles) != 1 || srcFiles[0] != "src/deep.py" {
		t.Fatalf("expected src/deep.py, got %v", srcFiles)
	}
}

func TestListMissingProject(t *testing.T) {
	s := NewLocal(t.TempDir())
	files, err := s.List("ghost", "*")
	if err != nil {
		t.Fatalf("missing project should not error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %v", files)
	}
}

func TestProjectDir(t *testing.T) {
	base := t.TempDir()
	s := NewLocal(base)
	if got := s.ProjectDir("p1"); got != filepath.Join(base, "p1") {
		t.Fatalf("unexpected project dir %q", got)
	}
	_ = os.MkdirAll(s.ProjectDir("p1"), 0o755)
}
