package filetracker

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestTracker(t *testing.T, maxTotal int64) *BoltFileTracker {
	t.Helper()

	dbFile, err := os.CreateTemp("", "filetracker-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	outputDir := t.TempDir()

	tr, err := NewBoltFileTracker(dbFile.Name(), outputDir, "output", maxTotal, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	return tr
}

func TestNewFileAllocatesUnderOutputDir(t *testing.T) {
	tr := newTestTracker(t, 0)

	path, err := tr.NewFile(1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Ext(path) != ".mcap" {
		t.Fatalf("expected .mcap extension, got %s", path)
	}
	if tr.CurrentFilename() != path {
		t.Fatalf("CurrentFilename() = %s, want %s", tr.CurrentFilename(), path)
	}
}

func TestNewFileProducesDistinctNames(t *testing.T) {
	tr := newTestTracker(t, 0)

	first, err := tr.NewFile(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseFile(); err != nil {
		t.Fatal(err)
	}
	second, err := tr.NewFile(0)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("expected distinct filenames, got %s twice", first)
	}
}

func TestCloseFileAccumulatesTotalSize(t *testing.T) {
	tr := newTestTracker(t, 0)

	if _, err := tr.NewFile(0); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetCurrentFileSize(500); err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseFile(); err != nil {
		t.Fatal(err)
	}

	total, err := tr.GetTotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total != 500 {
		t.Fatalf("expected total size 500, got %d", total)
	}

	if _, err := tr.NewFile(0); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetCurrentFileSize(300); err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseFile(); err != nil {
		t.Fatal(err)
	}

	total, err = tr.GetTotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total != 800 {
		t.Fatalf("expected total size 800 after second file, got %d", total)
	}
}

func TestNewFileRejectsOverDiskBudget(t *testing.T) {
	tr := newTestTracker(t, 1000)

	if _, err := tr.NewFile(0); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetCurrentFileSize(900); err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseFile(); err != nil {
		t.Fatal(err)
	}

	_, err := tr.NewFile(200)
	if err == nil {
		t.Fatal("expected DiskFullError")
	}
	dfe, ok := err.(*DiskFullError)
	if !ok {
		t.Fatalf("expected *DiskFullError, got %T", err)
	}
	if dfe.CurrentTotal != 900 {
		t.Fatalf("unexpected CurrentTotal: %d", dfe.CurrentTotal)
	}
}

func TestTotalSizeSurvivesReopen(t *testing.T) {
	dbFile, err := os.CreateTemp("", "filetracker-reopen-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	outputDir := t.TempDir()

	tr, err := NewBoltFileTracker(dbFile.Name(), outputDir, "output", 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.NewFile(0); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetCurrentFileSize(123); err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseFile(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBoltFileTracker(dbFile.Name(), outputDir, "output", 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	total, err := reopened.GetTotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if total != 123 {
		t.Fatalf("expected total size to survive reopen as 123, got %d", total)
	}
}
