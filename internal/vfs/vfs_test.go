package vfs

import (
	"errors"
	"testing"
)

func TestMemFSWriteReadRoundTrip(t *testing.T) {
	fs := NewMemFS()

	f, err := fs.Open("/hello.txt", OpenCreate|OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := f.Seek(0, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(buf) != "hello" {
		t.Fatalf("read %q, want %q", buf, "hello")
	}
}

func TestMemFSOpenMissingWithoutCreate(t *testing.T) {
	fs := NewMemFS()

	if _, err := fs.Open("/missing", OpenRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMountTableResolvesLongestPrefix(t *testing.T) {
	mt := NewMountTable()
	root := NewMemFS()
	home := NewMemFS()

	mt.Mount("/", root)
	mt.Mount("/home", home)

	fs, rel, err := mt.Resolve("/home/user/file")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if fs != home || rel != "/user/file" {
		t.Fatalf("Resolve = %v, %q", fs, rel)
	}
}
