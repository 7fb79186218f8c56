package netacl

import (
	"os"
	"path/filepath"
	"testing"
)

func writeACL(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write acl: %v", err)
	}
	return path
}

func TestEmptyListAllowsEverything(t *testing.T) {
	l := NewList()
	if got := l.Check("1.2.3.4:1111"); got != ClassNormal {
		t.Fatalf("got %v", got)
	}
}

func TestDeniedAddress(t *testing.T) {
	path := writeACL(t, "10.0.0.0/8\n")
	l := NewList()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := l.Check("10.1.2.3:4567"); got != ClassDenied {
		t.Fatalf("got %v", got)
	}
	if got := l.Check("192.168.1.1:80"); got != ClassNormal {
		t.Fatalf("got %v", got)
	}
}

func TestTrustedAddress(t *testing.T) {
	path := writeACL(t, "trust 127.0.0.1\n")
	l := NewList()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := l.Check("127.0.0.1:22"); got != ClassTrusted {
		t.Fatalf("got %v", got)
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	l := NewList()
	if err := l.LoadFile("/nonexistent/path/acl.txt"); err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if got := l.Check("1.2.3.4"); got != ClassNormal {
		t.Fatalf("got %v", got)
	}
}

func TestCommentsAndBlankLinesSkipped(t *testing.T) {
	path := writeACL(t, "# comment\n\n10.0.0.0/8\n")
	l := NewList()
	l.LoadFile(path)
	if got := l.Check("10.0.0.1"); got != ClassDenied {
		t.Fatalf("got %v", got)
	}
}
