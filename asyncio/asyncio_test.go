package asyncio

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(1, 16)
	if err := m.CreateFile(0, filepath.Join(dir, "data.0"), 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer m.CloseFile(0)

	want := bytes.Repeat([]byte{0xAB}, 16)
	wf, err := m.WritePage(0, 3, want)
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := wf.Wait(); err != nil {
		t.Fatalf("write future: %v", err)
	}

	got := make([]byte, 16)
	rf, err := m.ReadPage(0, 3, got)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if err := rf.Wait(); err != nil {
		t.Fatalf("read future: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadPage = %x, want %x", got, want)
	}
}

func TestDrainPendingWritesWaitsForAll(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(1, 16)
	if err := m.CreateFile(0, filepath.Join(dir, "data.0"), 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer m.CloseFile(0)

	for i := uint32(0); i < 20; i++ {
		if _, err := m.WritePage(0, i, bytes.Repeat([]byte{byte(i)}, 16)); err != nil {
			t.Fatalf("WritePage(%d): %v", i, err)
		}
	}
	if err := m.DrainPendingWrites(); err != nil {
		t.Fatalf("DrainPendingWrites: %v", err)
	}

	got := make([]byte, 16)
	rf, err := m.ReadPage(0, 19, got)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if err := rf.Wait(); err != nil {
		t.Fatalf("read future: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{19}, 16)) {
		t.Fatalf("page 19 not durable after drain: %x", got)
	}
}

func TestSkipBytesOffsetsEveryPage(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(1, 8)
	if err := m.CreateFile(0, filepath.Join(dir, "data.0"), 100); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer m.CloseFile(0)

	want := bytes.Repeat([]byte{0x42}, 8)
	wf, err := m.WritePage(0, 0, want)
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := wf.Wait(); err != nil {
		t.Fatalf("write future: %v", err)
	}

	fs, err := m.file(0)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if off := fs.offset(0); off != 100 {
		t.Fatalf("offset(0) = %d, want 100 (skip bytes)", off)
	}
}

func TestGetFileLoadReflectsActivity(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(1, 16)
	if err := m.CreateFile(0, filepath.Join(dir, "data.0"), 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer m.CloseFile(0)

	wf, err := m.WritePage(0, 0, bytes.Repeat([]byte{1}, 16))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	wf.Wait()

	if _, err := m.GetFileLoad(0); err != nil {
		t.Fatalf("GetFileLoad: %v", err)
	}
	if err := m.ReduceFileLoad(0); err != nil {
		t.Fatalf("ReduceFileLoad: %v", err)
	}
}

func TestUnknownFileReturnsError(t *testing.T) {
	m := NewManager(1, 16)
	if _, err := m.WritePage(7, 0, nil); err == nil {
		t.Fatal("expected error writing to an unregistered file")
	}
}
