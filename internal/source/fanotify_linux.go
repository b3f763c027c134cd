//go:build linux

package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const fanotifySupported = true

// fanotifyMask is the set of fanotify events the session subscribes to.
//
//   - FAN_ACCESS:      a file was read
//   - FAN_MODIFY:      file content was changed
//   - FAN_CLOSE_WRITE: a writable file was closed
//
// fanotify in fd-reporting mode cannot report create, delete or rename;
// those come from a second group in FID mode, see fanotifyNameMask.
const fanotifyMask uint64 = unix.FAN_ACCESS | unix.FAN_MODIFY | unix.FAN_CLOSE_WRITE

// fanotifyNameMask is the set of directory-entry events of the name group.
// They carry the parent directory handle and the entry name instead of an
// fd. Directories themselves are not reported (no FAN_ONDIR).
const fanotifyNameMask uint64 = unix.FAN_CREATE | unix.FAN_DELETE | unix.FAN_MOVED_FROM | unix.FAN_MOVED_TO

const (
	// fanReportDFIDName is FAN_REPORT_DFID_NAME (Linux 5.9).
	fanReportDFIDName = unix.FAN_REPORT_DIR_FID | unix.FAN_REPORT_NAME
	// fanInfoDFIDName is FAN_EVENT_INFO_TYPE_DFID_NAME.
	fanInfoDFIDName = 2
	// dfidNameFixed is the size of the info header, the fsid and the
	// file_handle header that precede f_handle.
	dfidNameFixed = 4 + 8 + 8
)

// fanotifyMetadataSize is the fixed size of fanotify_event_metadata.
var fanotifyMetadataSize = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// fanotifySource captures file access through a Linux fanotify notification
// group. Unlike inotify, fanotify reports the PID of the process that
// touched the file, which is what makes attribution possible.
//
// Recursive roots are marked with FAN_MARK_MOUNT, so the whole mount holding
// the root is reported and the scope filter trims it. Non-recursive roots use
// a directory mark with FAN_EVENT_ON_CHILD, which covers direct children
// only.
//
// Create, delete and rename come from a second group initialised with
// FAN_REPORT_DFID_NAME. Recursive roots get a FAN_MARK_FILESYSTEM mark there,
// flat roots a mark on the directory. Kernels without FID reporting leave
// the name group disabled and only reads and writes are captured.
type fanotifySource struct {
	roots     []string
	recursive bool
	logger    *slog.Logger
	now       func() time.Time
	self      int32

	fd int
	// nameFd is the FID-mode group, or -1 when unavailable.
	nameFd int
	// mounts maps a filesystem id to a directory fd on that filesystem,
	// which open_by_handle_at resolves directory handles against.
	mounts map[[2]int32]int
	// pipeR/pipeW form a self-pipe: Stop writes a byte to pipeW, which
	// unblocks the poll(2) call in Run waiting on pipeR.
	pipeR int
	pipeW int

	// mu orders Stop's pipe write against Run's release of the descriptors
	// so Stop never writes to a closed (or reused) fd.
	mu          sync.Mutex
	running     bool
	stopped     bool
	releaseOnce sync.Once
	released    bool
}

// newFanotifySource creates the fanotify group and the self-pipe. It fails
// with EPERM when the process lacks CAP_SYS_ADMIN.
func newFanotifySource(cfg Config, logger *slog.Logger) (Source, error) {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC,
	)
	if err != nil {
		return nil, fmt.Errorf("source: fanotify init: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("source: fanotify pipe2: %w", err)
	}

	nameFd, err := unix.FanotifyInit(
		unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK|fanReportDFIDName,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC,
	)
	if err != nil {
		logger.Info("source: fanotify create, delete and rename events unavailable",
			slog.Any("error", err))
		nameFd = -1
	}

	return &fanotifySource{
		roots:     append([]string(nil), cfg.Roots...),
		recursive: cfg.Recursive,
		logger:    logger,
		now:       time.Now,
		self:      int32(os.Getpid()),
		fd:        fd,
		nameFd:    nameFd,
		mounts:    make(map[[2]int32]int),
		pipeR:     p[0],
		pipeW:     p[1],
	}, nil
}

func (s *fanotifySource) Name() string { return BackendFanotify }

// Enable adds a fanotify mark for every root.
func (s *fanotifySource) Enable() error {
	for _, root := range s.roots {
		flags := uint(unix.FAN_MARK_ADD)
		mask := fanotifyMask
		if s.recursive {
			flags |= unix.FAN_MARK_MOUNT
		} else {
			mask |= unix.FAN_EVENT_ON_CHILD
		}
		if err := unix.FanotifyMark(s.fd, flags, mask, unix.AT_FDCWD, root); err != nil {
			return fmt.Errorf("source: fanotify mark %q: %w", root, err)
		}
		if s.nameFd >= 0 {
			if err := s.markNames(root); err != nil {
				s.logger.Warn("source: fanotify name events unavailable for root",
					slog.String("path", root), slog.Any("error", err))
			}
		}
		s.logger.Info("source: watching path",
			slog.String("backend", BackendFanotify),
			slog.String("path", root),
			slog.Bool("recursive", s.recursive))
	}
	return nil
}

// markNames adds root to the name group and remembers a directory fd on
// its filesystem for resolving handles.
func (s *fanotifySource) markNames(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return fmt.Errorf("statfs: %w", err)
	}
	if _, ok := s.mounts[st.Fsid.Val]; !ok {
		mfd, err := unix.Open(root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		s.mounts[st.Fsid.Val] = mfd
	}
	flags := uint(unix.FAN_MARK_ADD)
	if s.recursive {
		flags |= unix.FAN_MARK_FILESYSTEM
	}
	if err := unix.FanotifyMark(s.nameFd, flags, fanotifyNameMask, unix.AT_FDCWD, root); err != nil {
		return fmt.Errorf("mark: %w", err)
	}
	return nil
}

// Run reads fanotify events via poll(2) until Stop is called or h fails.
func (s *fanotifySource) Run(h Handler) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.release()
		return nil
	}
	if s.released {
		s.mu.Unlock()
		return fmt.Errorf("source: fanotify: session already closed")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.release()
	}()

	buf := make([]byte, 4096*fanotifyMetadataSize)
	// poll ignores a negative fd, so a disabled name group costs nothing.
	pollFds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.nameFd), Events: unix.POLLIN},
		{Fd: int32(s.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("source: fanotify poll: %w", err)
		}

		// Shutdown signal received via self-pipe.
		if pollFds[2].Revents&unix.POLLIN != 0 {
			return nil
		}
		if pollFds[0].Revents&unix.POLLIN != 0 {
			n, err := s.read(s.fd, buf)
			if err != nil {
				return err
			}
			if err := s.dispatch(buf[:n], h); err != nil {
				return err
			}
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			n, err := s.read(s.nameFd, buf)
			if err != nil {
				return err
			}
			if err := s.dispatchNames(buf[:n], h); err != nil {
				return err
			}
		}
	}
}

// read returns 0 bytes for EAGAIN and EINTR.
func (s *fanotifySource) read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("source: fanotify read: %w", err)
	}
	return n, nil
}

// Stop unblocks Run through the self-pipe. When Run is not active the
// descriptors are released directly.
func (s *fanotifySource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.running {
		_, err := unix.Write(s.pipeW, []byte{0})
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("source: fanotify stop: %w", err)
		}
		return nil
	}
	s.releaseLocked()
	return nil
}

func (s *fanotifySource) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *fanotifySource) releaseLocked() {
	s.releaseOnce.Do(func() {
		_ = unix.Close(s.pipeW)
		_ = unix.Close(s.pipeR)
		_ = unix.Close(s.fd)
		if s.nameFd >= 0 {
			_ = unix.Close(s.nameFd)
		}
		for _, mfd := range s.mounts {
			_ = unix.Close(mfd)
		}
		s.released = true
	})
}

// dispatch decodes a buffer of fanotify_event_metadata records. Every event
// fd is closed even after h has failed; the remaining events are dropped.
func (s *fanotifySource) dispatch(buf []byte, h Handler) error {
	var herr error
	for off := 0; off+fanotifyMetadataSize <= len(buf); {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
		if meta.Event_len < uint32(fanotifyMetadataSize) || off+int(meta.Event_len) > len(buf) {
			break
		}
		off += int(meta.Event_len)

		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			if meta.Fd >= 0 {
				_ = unix.Close(int(meta.Fd))
			}
			return fmt.Errorf("source: fanotify metadata version %d, want %d", meta.Vers, unix.FANOTIFY_METADATA_VERSION)
		}
		if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
			s.logger.Warn("source: fanotify queue overflowed; some events were lost")
			continue
		}
		if meta.Fd < 0 {
			continue
		}

		ev, ok := s.decode(meta)
		if ok && herr == nil {
			herr = h(ev)
		}
	}
	return herr
}

// decode turns one metadata record into a FileEvent and closes the event fd.
// Events caused by this process are skipped so the pipeline never observes
// its own log writes.
func (s *fanotifySource) decode(meta *unix.FanotifyEventMetadata) (FileEvent, bool) {
	defer unix.Close(int(meta.Fd))

	if meta.Pid == s.self {
		return FileEvent{}, false
	}
	kind, ok := kindFromMask(meta.Mask)
	if !ok {
		return FileEvent{}, false
	}
	path, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(meta.Fd)))
	if err != nil {
		s.logger.Debug("source: fanotify cannot resolve event path", slog.Any("error", err))
		return FileEvent{}, false
	}
	return FileEvent{
		Kind:      kind,
		Timestamp: s.now(),
		PID:       int(meta.Pid),
		Path:      strings.TrimSuffix(path, " (deleted)"),
	}, true
}

// kindFromMask maps a fanotify event mask to an event kind. Writes win over
// reads when the kernel merged both into one record.
func kindFromMask(mask uint64) (Kind, bool) {
	switch {
	case mask&(unix.FAN_MODIFY|unix.FAN_CLOSE_WRITE) != 0:
		return Write, true
	case mask&unix.FAN_ACCESS != 0:
		return Read, true
	default:
		return 0, false
	}
}

// dispatchNames decodes a buffer from the name group. These records carry no
// fd; the path is rebuilt from the parent directory handle and the name.
func (s *fanotifySource) dispatchNames(buf []byte, h Handler) error {
	var herr error
	for off := 0; off+fanotifyMetadataSize <= len(buf); {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
		if meta.Event_len < uint32(fanotifyMetadataSize) || off+int(meta.Event_len) > len(buf) {
			break
		}
		rec := buf[off : off+int(meta.Event_len)]
		off += int(meta.Event_len)

		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			return fmt.Errorf("source: fanotify metadata version %d, want %d", meta.Vers, unix.FANOTIFY_METADATA_VERSION)
		}
		if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
			s.logger.Warn("source: fanotify name queue overflowed; some events were lost")
			continue
		}
		if herr != nil || meta.Pid == s.self || int(meta.Metadata_len) > len(rec) {
			continue
		}
		kind, ok := kindFromNameMask(meta.Mask)
		if !ok {
			continue
		}
		path, ok := s.resolveName(rec[meta.Metadata_len:])
		if !ok {
			continue
		}
		herr = h(FileEvent{Kind: kind, Timestamp: s.now(), PID: int(meta.Pid), Path: path})
	}
	return herr
}

// resolveName opens the parent directory by handle and joins the entry name
// to its path.
func (s *fanotifySource) resolveName(info []byte) (string, bool) {
	fsid, handle, name, ok := parseDFIDName(info)
	if !ok {
		return "", false
	}
	mfd, ok := s.mounts[fsid]
	if !ok {
		return "", false
	}
	dfd, err := unix.OpenByHandleAt(mfd, handle, unix.O_PATH|unix.O_CLOEXEC)
	if err != nil {
		s.logger.Debug("source: fanotify cannot open directory handle", slog.Any("error", err))
		return "", false
	}
	defer unix.Close(dfd)
	dir, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(dfd))
	if err != nil {
		s.logger.Debug("source: fanotify cannot resolve directory", slog.Any("error", err))
		return "", false
	}
	return filepath.Join(strings.TrimSuffix(dir, " (deleted)"), name), true
}

// parseDFIDName finds the FAN_EVENT_INFO_TYPE_DFID_NAME record in the info
// records following the event metadata:
//
//	u8 type, u8 pad, u16 len, fsid[2]int32,
//	u32 handle_bytes, s32 handle_type, f_handle[handle_bytes], name, NUL
func parseDFIDName(info []byte) (fsid [2]int32, handle unix.FileHandle, name string, ok bool) {
	for len(info) >= 4 {
		typ := info[0]
		n := int(binary.NativeEndian.Uint16(info[2:4]))
		if n < 4 || n > len(info) {
			break
		}
		rec := info[:n]
		info = info[n:]
		if typ != fanInfoDFIDName || len(rec) < dfidNameFixed {
			continue
		}
		fsid[0] = int32(binary.NativeEndian.Uint32(rec[4:8]))
		fsid[1] = int32(binary.NativeEndian.Uint32(rec[8:12]))
		size := int(binary.NativeEndian.Uint32(rec[12:16]))
		htype := int32(binary.NativeEndian.Uint32(rec[16:20]))
		if size > len(rec)-dfidNameFixed {
			break
		}
		raw := rec[dfidNameFixed+size:]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		name = string(raw)
		if name == "" || name == "." {
			break
		}
		return fsid, unix.NewFileHandle(htype, rec[dfidNameFixed:dfidNameFixed+size]), name, true
	}
	return fsid, unix.FileHandle{}, "", false
}

// kindFromNameMask maps a directory-entry mask to an event kind. Both sides
// of a move are reported as Rename.
func kindFromNameMask(mask uint64) (Kind, bool) {
	switch {
	case mask&unix.FAN_CREATE != 0:
		return Create, true
	case mask&unix.FAN_DELETE != 0:
		return Delete, true
	case mask&(unix.FAN_MOVED_FROM|unix.FAN_MOVED_TO) != 0:
		return Rename, true
	default:
		return 0, false
	}
}
