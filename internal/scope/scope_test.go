package scope_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tripwire/folderaudit/internal/scope"
)

func newFilter(t *testing.T, style scope.Style, recursive bool, roots ...string) *scope.Filter {
	t.Helper()
	f, err := scope.New(roots, recursive, scope.WithStyle(style), scope.WithLogger(discard()))
	if err != nil {
		t.Fatalf("scope.New(%q): %v", roots, err)
	}
	return f
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestInScope_Windows(t *testing.T) {
	cases := []struct {
		name      string
		recursive bool
		path      string
		want      bool
	}{
		{"direct child recursive", true, `C:\Watch\file.txt`, true},
		{"nested child recursive", true, `C:\Watch\Sub\file.txt`, true},
		{"deeply nested recursive", true, `C:\Watch\a\b\c\file.txt`, true},
		{"other folder recursive", true, `C:\Other\file.txt`, false},
		{"direct child flat", false, `C:\Watch\file.txt`, true},
		{"nested child flat", false, `C:\Watch\Sub\file.txt`, false},
		{"sibling prefix", true, `C:\Watcher\file.txt`, false},
		{"root itself", true, `C:\Watch`, false},
		{"other drive", true, `D:\Watch\file.txt`, false},
		{"forward slashes", true, `C:/Watch/Sub/file.txt`, true},
		{"dot segments", false, `C:\Watch\Sub\..\file.txt`, true},
		{"dotdot escapes root", true, `C:\Watch\..\Other\file.txt`, false},
		{"redundant separators", false, `C:\\Watch\\\file.txt`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFilter(t, scope.Windows, tc.recursive, `C:\Watch`)
			if got := f.InScope(tc.path); got != tc.want {
				t.Errorf("InScope(%q) recursive=%v = %v, want %v", tc.path, tc.recursive, got, tc.want)
			}
		})
	}
}

func TestInScope_POSIX(t *testing.T) {
	cases := []struct {
		name      string
		recursive bool
		path      string
		want      bool
	}{
		{"direct child", false, "/data/file.txt", true},
		{"nested flat", false, "/data/sub/file.txt", false},
		{"nested recursive", true, "/data/sub/file.txt", true},
		{"segment boundary", true, "/database/file.txt", false},
		{"segment boundary flat", false, "/database/file.txt", false},
		{"parent folder", true, "/file.txt", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFilter(t, scope.POSIX, tc.recursive, "/data")
			if got := f.InScope(tc.path); got != tc.want {
				t.Errorf("InScope(%q) recursive=%v = %v, want %v", tc.path, tc.recursive, got, tc.want)
			}
		})
	}
}

func TestInScope_CaseInsensitive(t *testing.T) {
	paths := []string{
		`C:\Watch\Sub\file.txt`,
		`c:\watch\sub\file.txt`,
		`C:\WATCH\SUB\FILE.TXT`,
		`c:\wAtCh\Sub\File.Txt`,
	}
	for _, recursive := range []bool{true, false} {
		f := newFilter(t, scope.Windows, recursive, `C:\Watch`)
		want := f.InScope(paths[0])
		for _, p := range paths[1:] {
			if got := f.InScope(p); got != want {
				t.Errorf("recursive=%v: InScope(%q) = %v, want %v (same as %q)", recursive, p, got, want, paths[0])
			}
		}
	}

	posix := newFilter(t, scope.POSIX, true, "/Data/Logs")
	if !posix.InScope("/data/logs/app/x.log") {
		t.Error("POSIX matching must ignore case")
	}
}

func TestInScope_MultipleRoots(t *testing.T) {
	f := newFilter(t, scope.POSIX, false, "/srv/a", "/srv/b")
	for _, p := range []string{"/srv/a/x", "/srv/b/y"} {
		if !f.InScope(p) {
			t.Errorf("InScope(%q) = false, want true", p)
		}
	}
	if f.InScope("/srv/c/z") {
		t.Error(`InScope("/srv/c/z") = true, want false`)
	}
}

func TestInScope_VolumeRoots(t *testing.T) {
	win := newFilter(t, scope.Windows, false, `C:\`)
	if !win.InScope(`C:\boot.ini`) {
		t.Error(`drive root must contain C:\boot.ini`)
	}
	if win.InScope(`C:\Windows\x.dll`) {
		t.Error(`flat drive root must not contain C:\Windows\x.dll`)
	}

	posix := newFilter(t, scope.POSIX, true, "/")
	if !posix.InScope("/etc/passwd") {
		t.Error("recursive / must contain /etc/passwd")
	}
}

func TestInScope_UNC(t *testing.T) {
	f := newFilter(t, scope.Windows, true, `\\server\share\docs`)
	if !f.InScope(`\\SERVER\share\docs\q1\report.xlsx`) {
		t.Error("UNC descendant must be in scope")
	}
	if f.InScope(`\\other\share\docs\report.xlsx`) {
		t.Error("different UNC server must be out of scope")
	}
}

func TestInScope_MalformedIsOutOfScopeAndWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	f, err := scope.New([]string{`C:\Watch`}, true, scope.WithStyle(scope.Windows), scope.WithLogger(logger))
	if err != nil {
		t.Fatalf("scope.New: %v", err)
	}

	bad := []string{
		"",
		"relative\\file.txt",
		`\Device\HarddiskVolume3\Watch\x`,
		"C:",
		"C:\\Watch\\bad\x00name",
		`\\server`,
	}
	for _, p := range bad {
		if f.InScope(p) {
			t.Errorf("InScope(%q) = true, want false", p)
		}
	}
	if got := f.Anomalies(); got != uint64(len(bad)) {
		t.Errorf("Anomalies() = %d, want %d", got, len(bad))
	}
	if !strings.Contains(buf.String(), "malformed path") {
		t.Errorf("expected a malformed-path warning, log = %q", buf.String())
	}
}

func TestInScope_NoDirectoryComponent(t *testing.T) {
	win := newFilter(t, scope.Windows, true, `C:\`)
	if win.InScope(`C:\`) {
		t.Error(`InScope("C:\") = true, want false`)
	}
	posix := newFilter(t, scope.POSIX, true, "/")
	if posix.InScope("/") {
		t.Error(`InScope("/") = true, want false`)
	}
	if posix.Anomalies() != 0 || win.Anomalies() != 0 {
		t.Error("degenerate paths are not anomalies")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := scope.New(nil, true, scope.WithStyle(scope.POSIX)); err == nil {
		t.Error("expected error for empty root list")
	}
	_, err := scope.New([]string{"relative/dir"}, true, scope.WithStyle(scope.POSIX))
	if !errors.Is(err, scope.ErrMalformed) {
		t.Errorf("relative root: err = %v, want ErrMalformed", err)
	}
	_, err = scope.New([]string{`Watch`}, true, scope.WithStyle(scope.Windows))
	if !errors.Is(err, scope.ErrMalformed) {
		t.Errorf("relative Windows root: err = %v, want ErrMalformed", err)
	}
}

func TestNew_NormalizesAndDeduplicates(t *testing.T) {
	f := newFilter(t, scope.Windows, false, `C:\Watch\`, `c:/watch`, `C:\Watch\Sub\..`, `D:\Other`)
	got := f.Roots()
	want := []string{`C:\Watch`, `D:\Other`}
	if len(got) != len(want) {
		t.Fatalf("Roots() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Roots()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if f.Recursive() {
		t.Error("Recursive() = true, want false")
	}
}
