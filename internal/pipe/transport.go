package pipe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browsermux/pkg/protocol"
)

// ErrFraming marks a frame that could not be decoded. Framing errors are
// fatal: once message boundaries are lost every later frame is suspect, so
// the transport closes instead of resynchronizing.
var ErrFraming = errors.New("malformed pipe frame")

// Transport frames the byte streams of the browser's pipe pair into discrete
// protocol messages. Each frame is one JSON object terminated by a NUL byte,
// in both directions. Decoded messages are delivered strictly in arrival
// order; after the close callback fires, no further messages are delivered.
type Transport struct {
	log *zap.SugaredLogger

	reader io.ReadCloser
	writer io.WriteCloser

	writeMu sync.Mutex

	onMessage func(*protocol.Message)
	onClose   func(error)

	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps the read and write halves of the pipe connection.
func New(reader io.ReadCloser, writer io.WriteCloser, log *zap.SugaredLogger) *Transport {
	return &Transport{
		log:    log.Named("pipe"),
		reader: reader,
		writer: writer,
	}
}

// Start registers the callbacks and begins reading frames. onClose fires
// exactly once, with nil on clean EOF and an error otherwise.
func (t *Transport) Start(onMessage func(*protocol.Message), onClose func(error)) {
	t.onMessage = onMessage
	t.onClose = onClose
	go t.readLoop()
}

// Send serializes one message and writes it as a single frame. Write
// failures are reported through the close callback rather than returned:
// by the time a pipe write fails the process is gone and every session is
// about to be torn down anyway.
func (t *Transport) Send(msg *protocol.Message) {
	if t.closed.Load() {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Errorw("failed to marshal outbound message", "error", err)
		return
	}

	t.writeMu.Lock()
	_, err = t.writer.Write(append(data, 0))
	t.writeMu.Unlock()

	if err != nil {
		t.close(fmt.Errorf("pipe write: %w", err))
	}
}

// Close shuts the transport down from the outside (process exit observed).
func (t *Transport) Close() {
	t.close(nil)
}

func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.reader)

	// Screenshots and serialized DOM payloads can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	scanner.Split(splitFrames)

	for scanner.Scan() {
		if t.closed.Load() {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.close(fmt.Errorf("%w: %v", ErrFraming, err))
			return
		}
		t.onMessage(&msg)
	}

	err := scanner.Err()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// stream ended mid-frame
		err = fmt.Errorf("%w: truncated frame at stream end", ErrFraming)
	}
	t.close(err)
}

func (t *Transport) close(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.reader.Close()
		t.writer.Close()

		if err != nil {
			t.log.Warnw("transport closed", "error", err)
		} else {
			t.log.Debug("transport closed")
		}
		if t.onClose != nil {
			t.onClose(err)
		}
	})
}

// splitFrames is a bufio.SplitFunc for NUL-terminated frames.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		// trailing partial frame at stream end
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}
