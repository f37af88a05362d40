package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

const fallbackName = "download.bin"

type incoming struct {
	name        string
	path        string
	totalChunks int
	file        *os.File
	received    map[int]bool
	bar         *progressbar.ProgressBar
}

// Receiver writes announced files into a directory and acks every chunk.
type Receiver struct {
	ch   Channel
	dir  string
	opts Options
	log  *logrus.Logger

	mu        sync.Mutex
	expected  int
	transfers map[string]*incoming
	completed map[string]bool
	lastMeta  *Frame
	saved     []string
	done      chan struct{}
	finished  bool
}

// NewReceiver stores files under dir, which must exist.
func NewReceiver(ch Channel, dir string, opts Options) *Receiver {
	opts = opts.withDefaults()
	return &Receiver{
		ch:        ch,
		dir:       dir,
		opts:      opts,
		log:       opts.Logger,
		transfers: make(map[string]*incoming),
		completed: make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// Done is closed once every file announced by transfer_start has completed.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Files lists the saved paths in completion order.
func (r *Receiver) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// Handle consumes one data channel message. Messages must arrive in channel order.
func (r *Receiver) Handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !msg.IsString {
		r.handleChunk(msg.Data)
		return
	}

	f, err := decodeFrame(msg)
	if err != nil {
		r.log.WithError(err).Debug("ignoring undecodable frame")
		return
	}

	switch f.Type {
	case FrameKeepalive:
	case FrameTransferStart:
		r.expected = f.TotalFiles
		r.completed = make(map[string]bool)
		r.log.WithField("files", f.TotalFiles).Info("transfer starting")
	case FrameFileMeta:
		if err := r.open(f); err != nil {
			r.log.WithError(err).WithField("file", f.Name).Error("cannot store file")
			return
		}
		if err := sendFrame(r.ch, Frame{Type: FrameReady, TransferID: f.TransferID}); err != nil {
			r.log.WithError(err).Warn("ready not sent")
		}
	case FrameChunkMeta:
		meta := f
		r.lastMeta = &meta
	case FrameFileComplete:
		r.complete(f.TransferID)
	}
}

func (r *Receiver) open(f Frame) error {
	if _, exists := r.transfers[f.TransferID]; exists {
		return fmt.Errorf("duplicate transfer %s", f.TransferID)
	}
	file, path, err := createUnique(r.dir, safeName(f.Name))
	if err != nil {
		return err
	}
	r.transfers[f.TransferID] = &incoming{
		name:        f.Name,
		path:        path,
		totalChunks: f.TotalChunks,
		file:        file,
		received:    make(map[int]bool, f.TotalChunks),
		bar: progressbar.NewOptions64(f.Size,
			progressbar.OptionSetWriter(r.opts.Progress),
			progressbar.OptionSetDescription("receiving "+filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		),
	}
	return nil
}

func (r *Receiver) handleChunk(data []byte) {
	meta := r.lastMeta
	r.lastMeta = nil
	if meta == nil {
		r.log.Debug("binary frame without chunk_meta")
		return
	}
	t, ok := r.transfers[meta.TransferID]
	if !ok || t.file == nil {
		return
	}
	logger := r.log.WithFields(logrus.Fields{"transfer": meta.TransferID, "seq": meta.Seq})
	if meta.Seq < 0 || (t.totalChunks > 0 && meta.Seq >= t.totalChunks) {
		logger.Warn("chunk out of range")
		return
	}
	if meta.Len != len(data) {
		logger.WithFields(logrus.Fields{"announced": meta.Len, "got": len(data)}).Warn("chunk length mismatch")
	}

	if _, err := t.file.WriteAt(data, int64(meta.Seq)*ChunkSize); err != nil {
		logger.WithError(err).Error("write chunk failed")
		return
	}
	if !t.received[meta.Seq] {
		t.received[meta.Seq] = true
		_ = t.bar.Add(len(data))
	}
	if err := sendFrame(r.ch, Frame{Type: FrameAck, TransferID: meta.TransferID, Seq: meta.Seq}); err != nil {
		logger.WithError(err).Warn("ack not sent")
	}

	if len(t.received) == t.totalChunks {
		r.closeFile(meta.TransferID, t)
	}
}

func (r *Receiver) closeFile(id string, t *incoming) {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		r.log.WithError(err).WithField("file", t.path).Error("close failed")
	}
	t.file = nil
	_ = t.bar.Finish()
	r.saved = append(r.saved, t.path)
	r.log.WithFields(logrus.Fields{"transfer": id, "path": t.path}).Info("file received")
}

func (r *Receiver) complete(id string) {
	t, ok := r.transfers[id]
	if !ok {
		return
	}
	if len(t.received) < t.totalChunks {
		r.log.WithFields(logrus.Fields{"transfer": id, "missing": t.totalChunks - len(t.received)}).Warn("file completed with missing chunks")
	}
	r.closeFile(id, t)
	r.completed[id] = true

	if r.expected > 0 && len(r.completed) >= r.expected && !r.finished {
		r.finished = true
		close(r.done)
	}
}

// safeName keeps only the base name so a peer cannot write outside the directory.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return fallbackName
	}
	return base
}

func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s", name)
}
