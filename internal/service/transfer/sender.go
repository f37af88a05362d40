package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// DefaultKeepaliveInterval matches the browser clients.
const DefaultKeepaliveInterval = 5 * time.Second

// Options configures the transfer endpoints and negotiation.
type Options struct {
	Logger *logrus.Logger
	// Progress receives progress bars; nil means os.Stderr.
	Progress          io.Writer
	STUNServers       []string
	KeepaliveInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Progress == nil {
		o.Progress = os.Stderr
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return o
}

// Sender streams files to the remote side and waits for every chunk to be acked.
type Sender struct {
	ch   Channel
	opts Options
	log  *logrus.Logger

	low chan struct{}

	mu      sync.Mutex
	ready   map[string]chan struct{}
	pending map[string]map[int]bool
	acked   chan string
}

// NewSender wraps an open channel.
func NewSender(ch Channel, opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		ch:      ch,
		opts:    opts,
		log:     opts.Logger,
		low:     make(chan struct{}, 1),
		ready:   make(map[string]chan struct{}),
		pending: make(map[string]map[int]bool),
		acked:   make(chan string, 16),
	}
}

// BufferLow is wired to the channel's buffered-amount-low callback.
func (s *Sender) BufferLow() {
	select {
	case s.low <- struct{}{}:
	default:
	}
}

// Handle consumes frames sent back by the receiver.
func (s *Sender) Handle(msg Message) {
	if !msg.IsString {
		return
	}
	f, err := decodeFrame(msg)
	if err != nil {
		s.log.WithError(err).Debug("ignoring undecodable frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Type {
	case FrameReady:
		if ch, ok := s.ready[f.TransferID]; ok {
			close(ch)
			delete(s.ready, f.TransferID)
		}
	case FrameAck:
		chunks, ok := s.pending[f.TransferID]
		if !ok || !chunks[f.Seq] {
			return
		}
		delete(chunks, f.Seq)
		if len(chunks) == 0 {
			delete(s.pending, f.TransferID)
			select {
			case s.acked <- f.TransferID:
			default:
			}
		}
	}
}

// SendFiles announces the batch, then sends each file in order. It returns once
// every chunk was acknowledged or ctx ends.
func (s *Sender) SendFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no files to send")
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
	}

	if err := sendFrame(s.ch, Frame{Type: FrameTransferStart, TotalFiles: len(paths)}); err != nil {
		return err
	}
	for _, path := range paths {
		if err := s.sendFile(ctx, path); err != nil {
			return fmt.Errorf("send %s: %w", filepath.Base(path), err)
		}
	}
	return s.waitAcks(ctx)
}

func (s *Sender) sendFile(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	id := "t-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := filepath.Base(path)
	total := chunkCount(info.Size())
	logger := s.log.WithFields(logrus.Fields{"transfer": id, "file": name, "chunks": total})

	readyCh := make(chan struct{})
	s.mu.Lock()
	s.ready[id] = readyCh
	if total > 0 {
		chunks := make(map[int]bool, total)
		for seq := 0; seq < total; seq++ {
			chunks[seq] = true
		}
		s.pending[id] = chunks
	}
	s.mu.Unlock()

	if err := sendFrame(s.ch, Frame{Type: FrameFileMeta, TransferID: id, Name: name, Size: info.Size(), TotalChunks: total}); err != nil {
		return err
	}
	select {
	case <-readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Debug("receiver ready")

	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(s.opts.Progress),
		progressbar.OptionSetDescription("sending "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	buf := make([]byte, ChunkSize)
	for seq := 0; seq < total; seq++ {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if err := s.waitDrain(ctx); err != nil {
			return err
		}
		if err := sendFrame(s.ch, Frame{Type: FrameChunkMeta, TransferID: id, Seq: seq, Len: n}); err != nil {
			return err
		}
		if err := s.ch.Send(buf[:n]); err != nil {
			return fmt.Errorf("send chunk %d: %w", seq, err)
		}
		_ = bar.Add(n)
	}
	_ = bar.Finish()

	if err := sendFrame(s.ch, Frame{Type: FrameFileComplete, TransferID: id}); err != nil {
		return err
	}
	logger.Info("file sent")
	return nil
}

// waitDrain blocks while the channel holds more than MaxBufferedAmount, resuming
// once it falls to half.
func (s *Sender) waitDrain(ctx context.Context) error {
	if s.ch.BufferedAmount() <= MaxBufferedAmount {
		return nil
	}
	for s.ch.BufferedAmount() > MaxBufferedAmount/2 {
		select {
		case <-s.low:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sender) waitAcks(ctx context.Context) error {
	for {
		s.mu.Lock()
		remaining := len(s.pending)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-s.acked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
