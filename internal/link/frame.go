package link

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bingosuite/chatsync/internal/model"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

type FrameType string

const (
	FrameAuth              FrameType = "auth"
	FrameAuthResponse      FrameType = "auth_response"
	FrameEvent             FrameType = "event"
	FrameBroadcast         FrameType = "broadcast"
	FramePing              FrameType = "ping"
	FramePong              FrameType = "pong"
	FramePlayerListRequest FrameType = "player_list_request"
	FramePlayerListReply   FrameType = "player_list_reply"
)

// Frame is the envelope carried by every length-prefixed message. Only the
// fields that belong to Type are set.
type Frame struct {
	Type FrameType `json:"type"`

	// auth / auth_response
	Name       string `json:"name,omitempty"`
	Credential string `json:"credential,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// event
	Event *model.MessageEvent `json:"event,omitempty"`

	// broadcast
	Text string `json:"text,omitempty"`

	// player_list_request / player_list_reply
	RequestID string   `json:"request_id,omitempty"`
	Players   []string `json:"players,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// check rejects frames whose type is unknown or whose required fields are missing.
func (f Frame) check() error {
	switch f.Type {
	case FrameAuth:
		if f.Name == "" || f.Credential == "" {
			return fmt.Errorf("%w: auth frame without name or credential", ErrMalformedFrame)
		}
	case FrameAuthResponse, FramePing, FramePong:
	case FrameEvent:
		if f.Event == nil {
			return fmt.Errorf("%w: event frame without event", ErrMalformedFrame)
		}
		if err := f.Event.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	case FrameBroadcast:
		if f.Text == "" {
			return fmt.Errorf("%w: empty broadcast", ErrMalformedFrame)
		}
	case FramePlayerListRequest, FramePlayerListReply:
		if f.RequestID == "" {
			return fmt.Errorf("%w: %s without request id", ErrMalformedFrame, f.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return nil
}

// Encode returns the wire form of f: a 4-byte big-endian length and the JSON body.
func Encode(f Frame, maxSize int) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	if maxSize > 0 && len(body) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

func WriteFrame(w io.Writer, f Frame, maxSize int) error {
	buf, err := Encode(f, maxSize)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// splitFrames is a bufio.SplitFunc for length-prefixed frames. A short
// buffer asks for more data; a declared length above maxSize is fatal.
func splitFrames(maxSize int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if len(data) < headerSize {
			if atEOF && len(data) > 0 {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, nil
		}
		n := int(binary.BigEndian.Uint32(data[:headerSize]))
		if n > maxSize {
			return 0, nil, fmt.Errorf("%w: peer declared %d bytes", ErrFrameTooLarge, n)
		}
		if len(data) < headerSize+n {
			if atEOF {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, nil
		}
		return headerSize + n, data[headerSize : headerSize+n], nil
	}
}

// Reader decodes frames from a byte stream.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), headerSize+maxSize)
	sc.Split(splitFrames(maxSize))
	return &Reader{sc: sc}
}

// Next returns the next frame. Errors wrapping ErrMalformedFrame or
// ErrUnknownFrame concern only that frame and the stream stays usable; any
// other error means the stream is finished (io.EOF on a clean close).
func (r *Reader) Next() (Frame, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	}
	var f Frame
	if err := json.Unmarshal(r.sc.Bytes(), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Recoverable reports whether err leaves the stream usable.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrUnknownFrame)
}
