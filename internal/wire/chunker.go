package wire

import (
	"fmt"
	"io"
	"os"
)

const (
	// UploadChunkSize is the CONTENT payload per frame for client→server
	// transfers (CREATE, UPDATE).
	UploadChunkSize = 16 * 1024

	// DownloadChunkSize is the CONTENT payload per frame for server→client
	// transfers (RETRIEVE).
	DownloadChunkSize = 4 * 1024
)

// FileChunker streams one file as a sequence of frames, each carrying an
// ITEM record with the file's sign and a single CONTENT record. The final
// frame additionally carries the END record. It is the chunk-producer side
// of a file-chunked message; a connection accepts either a plain Message or
// a FileChunker.
type FileChunker struct {
	typ       MsgType
	sign      string
	f         *os.File
	remaining int64
	chunkSize int
	done      bool
}

// NewFileChunker opens path for streaming. The caller owns Close unless
// Next is driven to completion, which closes the file itself.
func NewFileChunker(typ MsgType, path, sign string, chunkSize int) (*FileChunker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileChunker{
		typ:       typ,
		sign:      sign,
		f:         f,
		remaining: fi.Size(),
		chunkSize: chunkSize,
	}, nil
}

// Sign returns the resource sign carried in every frame.
func (c *FileChunker) Sign() string {
	return c.sign
}

// Next returns the next frame of the stream, or io.EOF once the final frame
// (the one carrying END) has been produced. An empty file yields exactly one
// frame with a zero-length CONTENT record.
func (c *FileChunker) Next() (*Message, error) {
	if c.done {
		return nil, io.EOF
	}

	n := int64(c.chunkSize)
	last := false
	if c.remaining <= n {
		n = c.remaining
		last = true
	}

	chunk := make([]byte, n)
	if _, err := io.ReadFull(c.f, chunk); err != nil {
		c.Close()
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	c.remaining -= n

	msg := New(c.typ)
	msg.AddString(TLVItem, c.sign)
	if err := msg.AddTLV(TLVContent, chunk); err != nil {
		c.Close()
		return nil, err
	}
	if last {
		msg.AddEnd()
		c.done = true
		c.Close()
	}
	return msg, nil
}

// Close releases the underlying file. Safe to call more than once.
func (c *FileChunker) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
