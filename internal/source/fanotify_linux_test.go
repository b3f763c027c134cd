//go:build linux

package source

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestKindFromMask(t *testing.T) {
	cases := []struct {
		mask uint64
		want Kind
		ok   bool
	}{
		{unix.FAN_ACCESS, Read, true},
		{unix.FAN_MODIFY, Write, true},
		{unix.FAN_CLOSE_WRITE, Write, true},
		{unix.FAN_ACCESS | unix.FAN_MODIFY, Write, true},
		{unix.FAN_OPEN, 0, false},
	}
	for _, tc := range cases {
		got, ok := kindFromMask(tc.mask)
		if got != tc.want || ok != tc.ok {
			t.Errorf("kindFromMask(%#x) = %v, %v; want %v, %v", tc.mask, got, ok, tc.want, tc.ok)
		}
	}
}

func TestKindFromNameMask(t *testing.T) {
	cases := []struct {
		mask uint64
		want Kind
		ok   bool
	}{
		{unix.FAN_CREATE, Create, true},
		{unix.FAN_DELETE, Delete, true},
		{unix.FAN_MOVED_FROM, Rename, true},
		{unix.FAN_MOVED_TO, Rename, true},
		{unix.FAN_CREATE | unix.FAN_DELETE, Create, true},
		{unix.FAN_ATTRIB, 0, false},
	}
	for _, tc := range cases {
		got, ok := kindFromNameMask(tc.mask)
		if got != tc.want || ok != tc.ok {
			t.Errorf("kindFromNameMask(%#x) = %v, %v; want %v, %v", tc.mask, got, ok, tc.want, tc.ok)
		}
	}
}

// dfidNameRecord encodes one FAN_EVENT_INFO_TYPE_DFID_NAME info record.
func dfidNameRecord(fsid [2]int32, htype int32, handle []byte, name string) []byte {
	rec := make([]byte, dfidNameFixed, dfidNameFixed+len(handle)+len(name)+4)
	rec[0] = fanInfoDFIDName
	binary.NativeEndian.PutUint32(rec[4:], uint32(fsid[0]))
	binary.NativeEndian.PutUint32(rec[8:], uint32(fsid[1]))
	binary.NativeEndian.PutUint32(rec[12:], uint32(len(handle)))
	binary.NativeEndian.PutUint32(rec[16:], uint32(htype))
	rec = append(rec, handle...)
	rec = append(rec, name...)
	rec = append(rec, 0)
	for len(rec)%4 != 0 {
		rec = append(rec, 0)
	}
	binary.NativeEndian.PutUint16(rec[2:], uint16(len(rec)))
	return rec
}

func TestParseDFIDName(t *testing.T) {
	handle := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	other := []byte{9, 0, 8, 0}
	binary.NativeEndian.PutUint16(other[2:], uint16(len(other)))
	info := append(other, dfidNameRecord([2]int32{7, -3}, 0x81, handle, "report.txt")...)

	fsid, h, name, ok := parseDFIDName(info)
	if !ok {
		t.Fatal("parseDFIDName found no record")
	}
	if fsid != [2]int32{7, -3} || name != "report.txt" {
		t.Errorf("fsid=%v name=%q, want [7 -3] report.txt", fsid, name)
	}
	if h.Type() != 0x81 || string(h.Bytes()) != string(handle) {
		t.Errorf("handle = %#x %v, want 0x81 %v", h.Type(), h.Bytes(), handle)
	}
}

func TestParseDFIDName_Rejects(t *testing.T) {
	truncated := dfidNameRecord([2]int32{1, 1}, 1, []byte{1, 2, 3, 4}, "x")
	binary.NativeEndian.PutUint32(truncated[12:], 4096)

	for name, info := range map[string][]byte{
		"empty":        nil,
		"short header": {fanInfoDFIDName, 0},
		"self entry":   dfidNameRecord([2]int32{1, 1}, 1, []byte{1}, "."),
		"bad length":   {fanInfoDFIDName, 0, 200, 0},
		"handle size":  truncated,
	} {
		if _, _, _, ok := parseDFIDName(info); ok {
			t.Errorf("%s: parseDFIDName accepted %v", name, info)
		}
	}
}

// TestFanotify_EndToEnd requires CAP_SYS_ADMIN and is skipped otherwise.
func TestFanotify_EndToEnd(t *testing.T) {
	if ok, _ := Elevated(); !ok {
		t.Skip("fanotify requires root")
	}
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := newFanotifySource(Config{Roots: []string{dir}}, logger)
	if err != nil {
		t.Skipf("fanotify unavailable: %v", err)
	}
	if err := src.Enable(); err != nil {
		_ = src.Stop()
		t.Skipf("fanotify mark unavailable: %v", err)
	}

	events := make(chan FileEvent, 16)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(func(ev FileEvent) error {
			select {
			case events <- ev:
			default:
			}
			return nil
		})
	}()

	// The writer must be another process: the session skips its own PID.
	path := filepath.Join(dir, "written.txt")
	cmd := []string{"/bin/sh", "-c", "echo hi > " + path}
	p, err := os.StartProcess(cmd[0], cmd, &os.ProcAttr{})
	if err != nil {
		_ = src.Stop()
		t.Skipf("cannot start writer process: %v", err)
	}
	_, _ = p.Wait()

	select {
	case ev := <-events:
		if ev.Path != path || ev.Kind != Write || ev.PID <= 0 {
			t.Errorf("event = %+v, want Write on %q with a PID", ev, path)
		}
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for fanotify event")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestFanotify_StopBeforeRunReleases(t *testing.T) {
	if ok, _ := Elevated(); !ok {
		t.Skip("fanotify requires root")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := newFanotifySource(Config{Roots: []string{t.TempDir()}}, logger)
	if err != nil {
		t.Skipf("fanotify unavailable: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Run(func(FileEvent) error { return nil }); err != nil {
		t.Errorf("Run after Stop = %v, want nil", err)
	}
	if err := src.Run(func(FileEvent) error { return nil }); err != nil {
		t.Errorf("second Run after Stop = %v, want nil", err)
	}
}

func TestFanotify_NameEvents(t *testing.T) {
	if ok, _ := Elevated(); !ok {
		t.Skip("fanotify requires root")
	}
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := newFanotifySource(Config{Roots: []string{dir}}, logger)
	if err != nil {
		t.Skipf("fanotify unavailable: %v", err)
	}
	fs := src.(*fanotifySource)
	if fs.nameFd < 0 {
		_ = src.Stop()
		t.Skip("kernel lacks FAN_REPORT_DFID_NAME")
	}
	if err := src.Enable(); err != nil {
		_ = src.Stop()
		t.Skipf("fanotify mark unavailable: %v", err)
	}
	if len(fs.mounts) == 0 {
		_ = src.Stop()
		t.Skip("filesystem does not support name events")
	}

	events := make(chan FileEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(func(ev FileEvent) error {
			select {
			case events <- ev:
			default:
			}
			return nil
		})
	}()

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	script := ": > " + a + " && mv " + a + " " + b + " && rm " + b
	p, err := os.StartProcess("/bin/sh", []string{"/bin/sh", "-c", script}, &os.ProcAttr{})
	if err != nil {
		_ = src.Stop()
		t.Skipf("cannot start writer process: %v", err)
	}
	_, _ = p.Wait()

	want := map[string]bool{"Create " + a: false, "Rename " + a: false, "Rename " + b: false, "Delete " + b: false}
	timeout := time.After(3 * time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case ev := <-events:
			key := ev.Kind.String() + " " + ev.Path
			if seen, ok := want[key]; ok && !seen {
				if ev.PID <= 0 {
					t.Errorf("event %+v has no PID", ev)
				}
				want[key] = true
				remaining--
			}
		case <-timeout:
			t.Errorf("timed out; seen = %v", want)
			remaining = 0
		}
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
