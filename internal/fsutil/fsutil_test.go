package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONAtomicAndReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := WriteJSONAtomic(path, record{Name: "r1", Count: 3}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "r1" || got.Count != 3 {
		t.Errorf("got %+v", got)
	}

	// Overwrite is atomic too.
	if err := WriteJSONAtomic(path, record{Name: "r2", Count: 4}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "r2" {
		t.Errorf("overwrite not visible: %+v", got)
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := ReadJSON(path, &v); err == nil {
		t.Error("expected parse error")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "deep", "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("perm = %v, want 0640", info.Mode().Perm())
	}
}

func TestCopyFile_NotRegular(t *testing.T) {
	dir := t.TempDir()
	if err := CopyFile(dir, filepath.Join(dir, "out")); err == nil {
		t.Error("expected error copying a directory")
	}
}

func TestHashFileAndSameContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")

	if err := os.WriteFile(a, []byte("same"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c, []byte("diff"), 0o600); err != nil {
		t.Fatal(err)
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := HashFile(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("identical files should hash equal")
	}

	same, err := SameContent(a, b)
	if err != nil || !same {
		t.Errorf("SameContent(a, b) = %v, %v", same, err)
	}
	same, err = SameContent(a, c)
	if err != nil || same {
		t.Errorf("SameContent(a, c) = %v, %v", same, err)
	}
}

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("ok"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadFileScoped(path)
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("data = %q", data)
	}
}
