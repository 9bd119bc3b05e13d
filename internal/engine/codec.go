package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gluk-w/swaplive/internal/transform"
)

// maxMessageSize bounds a single framed message read from the engine.
const maxMessageSize = 64 << 20

// Operations understood by the engine process.
const (
	opInit   = "init"
	opDetect = "detect"
	opApply  = "apply"
)

// request is one call to the engine. Image carries raw encoded image bytes.
type request struct {
	ID        uint64                `msgpack:"id"`
	Op        string                `msgpack:"op"`
	Image     []byte                `msgpack:"image,omitempty"`
	Target    *transform.Region     `msgpack:"target,omitempty"`
	Source    *transform.Descriptor `msgpack:"source,omitempty"`
	Device    string                `msgpack:"device,omitempty"`
	ModelsDir string                `msgpack:"models_dir,omitempty"`
}

type response struct {
	ID         uint64                `msgpack:"id"`
	OK         bool                  `msgpack:"ok"`
	Error      string                `msgpack:"error,omitempty"`
	NoSubject  bool                  `msgpack:"no_subject,omitempty"`
	Descriptor *transform.Descriptor `msgpack:"descriptor,omitempty"`
	Image      []byte                `msgpack:"image,omitempty"`
	ElapsedMs  float64               `msgpack:"elapsed_ms,omitempty"`
}

// writeMessage writes v as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one framed message into v.
func readMessage(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
