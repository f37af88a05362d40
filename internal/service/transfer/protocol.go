// Package transfer moves files over a WebRTC data channel once the relay has
// paired two peers.
package transfer

import (
	"encoding/json"
	"fmt"
)

const (
	// ChannelLabel names the data channel the offerer opens.
	ChannelLabel = "files"
	// ChunkSize is the payload size of one binary frame.
	ChunkSize = 64 * 1024
	// MaxBufferedAmount pauses the sender until the channel drains below half of it.
	MaxBufferedAmount = 8 * 1024 * 1024
)

// Control frame types. Every chunk_meta is followed by exactly one binary frame.
const (
	FrameTransferStart = "transfer_start"
	FrameFileMeta      = "file_meta"
	FrameReady         = "ready"
	FrameChunkMeta     = "chunk_meta"
	FrameAck           = "ack"
	FrameFileComplete  = "file_complete"
	FrameKeepalive     = "keepalive"
)

// Frame is a text control frame on the data channel.
type Frame struct {
	Type        string `json:"type"`
	TotalFiles  int    `json:"totalFiles,omitempty"`
	TransferID  string `json:"transferId,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Seq         int    `json:"seq"`
	Len         int    `json:"len,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Message is one data channel message as delivered by the transport.
type Message struct {
	IsString bool
	Data     []byte
}

// Channel is the sending half of an open data channel. *webrtc.DataChannel satisfies it.
type Channel interface {
	SendText(s string) error
	Send(data []byte) error
	BufferedAmount() uint64
}

func sendFrame(ch Channel, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := ch.SendText(string(data)); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

func decodeFrame(msg Message) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// chunkCount mirrors ceil(size / ChunkSize).
func chunkCount(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}
