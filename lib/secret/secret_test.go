// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFromBytesZeroesSource(t *testing.T) {
	t.Parallel()
	source := []byte("hunter2")
	buffer, err := FromBytes(source)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "hunter2" {
		t.Fatalf("String = %q", buffer.String())
	}
	for i, b := range source {
		if b != 0 {
			t.Fatalf("source[%d] = %d, want zeroed", i, b)
		}
	}
}

func TestFromBytesEmpty(t *testing.T) {
	t.Parallel()
	if _, err := FromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestCloseIsIdempotentAndBlocksReads(t *testing.T) {
	t.Parallel()
	buffer, err := FromBytes([]byte("s3cret"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("Len after Close = %d", buffer.Len())
	}

	defer func() {
		if recovered := recover(); recovered != ErrClosed {
			t.Fatalf("recovered %v, want ErrClosed", recovered)
		}
	}()
	buffer.Bytes()
}

func TestReadFileTrims(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("  operator-pass\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buffer, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "operator-pass" {
		t.Fatalf("String = %q", buffer.String())
	}
}

func TestReadFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := ReadFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}

	blank := filepath.Join(dir, "blank")
	if err := os.WriteFile(blank, []byte(" \n\t"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(blank); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("ReadFile(blank) error = %v, want empty error", err)
	}
}

func TestReadLine(t *testing.T) {
	t.Parallel()
	buffer, err := readLine(strings.NewReader("from-stdin\nignored\n"))
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "from-stdin" {
		t.Fatalf("String = %q", buffer.String())
	}
	if _, err := readLine(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty reader")
	}
}
