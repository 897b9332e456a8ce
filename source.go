package canguard

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
	"go.einride.tech/can/pkg/socketcan"
)

// FrameSource yields received frames over a channel. The channel closes
// when the source ends or fails; Err reports why.
type FrameSource interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// SocketCANSource reads the live bus through the kernel's SocketCAN layer.
type SocketCANSource struct {
	conn   net.Conn
	recv   *socketcan.Receiver
	frames chan Frame
	err    error
}

// NewSocketCANSource opens the given interface (e.g. can0) and starts
// receiving.
func NewSocketCANSource(ctx context.Context, ifname string) (*SocketCANSource, error) {
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ifname, err)
	}
	s := &SocketCANSource{
		conn:   conn,
		recv:   socketcan.NewReceiver(conn),
		frames: make(chan Frame, 64),
	}
	go s.run()
	return s, nil
}

func (s *SocketCANSource) run() {
	defer close(s.frames)
	for s.recv.Receive() {
		cf := s.recv.Frame()
		f := Frame{
			ID:        cf.ID,
			DLC:       cf.Length,
			Timestamp: time.Now(),
		}
		copy(f.Data[:], cf.Data[:])
		s.frames <- f
	}
	s.err = s.recv.Err()
}

func (s *SocketCANSource) Frames() <-chan Frame { return s.frames }

func (s *SocketCANSource) Err() error { return s.err }

func (s *SocketCANSource) Close() error { return s.conn.Close() }

// replayPacer meters replayed frames with token-bucket arithmetic so a
// capture replays at a steady configured rate instead of as one burst.
type replayPacer struct {
	rate   float64
	tokens float64
	last   time.Time
}

func newReplayPacer(rate float64) *replayPacer {
	return &replayPacer{rate: rate, tokens: 1, last: time.Now()}
}

func (p *replayPacer) wait(ctx context.Context) {
	if p.rate <= 0 {
		return
	}
	now := time.Now()
	p.tokens += now.Sub(p.last).Seconds() * p.rate
	if p.tokens > p.rate {
		p.tokens = p.rate
	}
	p.last = now
	if p.tokens >= 1 {
		p.tokens--
		return
	}
	delay := time.Duration((1 - p.tokens) / p.rate * float64(time.Second))
	select {
	case <-time.After(delay):
		p.tokens = 0
	case <-ctx.Done():
	}
}

// ReplaySource feeds the engine from candump-format log files in a
// directory. Existing files are replayed in name order; the directory is
// then watched and files dropped in later are replayed as they appear.
type ReplaySource struct {
	dir    string
	pacer  *replayPacer
	logger log.Logger
	frames chan Frame
	cancel context.CancelFunc
	err    error
}

// NewReplaySource starts replaying from dir at the given frames-per-second
// rate (zero = unpaced).
func NewReplaySource(ctx context.Context, dir string, rate float64, logger log.Logger) (*ReplaySource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("replay dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("replay path %s is not a directory", dir)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &ReplaySource{
		dir:    dir,
		pacer:  newReplayPacer(rate),
		logger: logger,
		frames: make(chan Frame, 64),
		cancel: cancel,
	}
	go s.run(ctx)
	return s, nil
}

func (s *ReplaySource) run(ctx context.Context) {
	defer close(s.frames)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.err = fmt.Errorf("watch %s: %w", s.dir, err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		s.err = fmt.Errorf("watch %s: %w", s.dir, err)
		return
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.err = fmt.Errorf("scan %s: %w", s.dir, err)
		return
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isCaptureFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(files)

	seen := make(map[string]bool, len(files))
	for _, path := range files {
		seen[path] = true
		if !s.replayFile(ctx, path) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if seen[event.Name] || !isCaptureFile(filepath.Base(event.Name)) {
				continue
			}
			seen[event.Name] = true
			if !s.replayFile(ctx, event.Name) {
				return
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(werr).Msg("replay watcher error")
		}
	}
}

// replayFile streams one capture through the channel; false means the
// context was cancelled.
func (s *ReplaySource) replayFile(ctx context.Context, path string) bool {
	file, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Str("file", path).Err(err).Msg("skipping unreadable capture")
		return true
	}
	defer file.Close()

	s.logger.Info().Str("file", path).Msg("replaying capture")
	scanner := bufio.NewScanner(file)
	lines, parsed := 0, 0
	for scanner.Scan() {
		lines++
		frame, ok := ParseCandumpLine(scanner.Text())
		if !ok {
			continue
		}
		parsed++
		s.pacer.wait(ctx)
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return false
		}
	}
	s.logger.Info().Str("file", path).Int("lines", lines).Int("frames", parsed).Msg("capture replayed")
	return true
}

func (s *ReplaySource) Frames() <-chan Frame { return s.frames }

func (s *ReplaySource) Err() error { return s.err }

func (s *ReplaySource) Close() error {
	s.cancel()
	return nil
}

func isCaptureFile(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".candump")
}
