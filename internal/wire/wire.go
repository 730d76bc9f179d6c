// Package wire implements the edge inference client's binary envelope
// protocol: a 4-byte length-prefixed frame carrying a tag-length-value
// envelope whose structured fields are msgpack-encoded and whose raw pixel
// payload (Frame variant only) travels as an unencoded sibling slice.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Version is the only protocol version this codec understands.
const Version uint8 = 1

// LengthPrefixSize is the size of the outer big-endian length prefix.
const LengthPrefixSize = 4

// MaxEnvelopeSize bounds a single decoded envelope to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxEnvelopeSize = 16 * 1024 * 1024

// MsgType identifies the variant carried by an Envelope.
type MsgType uint8

const (
	MsgUnknown      MsgType = 0
	MsgInit         MsgType = 1
	MsgInitOk       MsgType = 2
	MsgWindowUpdate MsgType = 3
	MsgFrame        MsgType = 4
	MsgResult       MsgType = 5
	MsgHeartbeat    MsgType = 6
	MsgError        MsgType = 7
	MsgEnd          MsgType = 8
)

func (t MsgType) String() string {
	switch t {
	case MsgInit:
		return "INIT"
	case MsgInitOk:
		return "INIT_OK"
	case MsgWindowUpdate:
		return "WINDOW_UPDATE"
	case MsgFrame:
		return "FRAME"
	case MsgResult:
		return "RESULT"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgError:
		return "ERROR"
	case MsgEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode enumerates the worker-reported error taxonomy (spec §6).
type ErrorCode string

const (
	ErrCodeUnknown             ErrorCode = "UNKNOWN"
	ErrCodeVersionUnsupported  ErrorCode = "VERSION_UNSUPPORTED"
	ErrCodeBadMessage          ErrorCode = "BAD_MESSAGE"
	ErrCodeBadSequence         ErrorCode = "BAD_SEQUENCE"
	ErrCodeUnsupportedFormat   ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeInvalidFrame        ErrorCode = "INVALID_FRAME"
	ErrCodeFrameTooLarge       ErrorCode = "FRAME_TOO_LARGE"
	ErrCodeModelNotReady       ErrorCode = "MODEL_NOT_READY"
	ErrCodeOOM                 ErrorCode = "OOM"
	ErrCodeBackpressureTimeout ErrorCode = "BACKPRESSURE_TIMEOUT"
	ErrCodeInternal            ErrorCode = "INTERNAL"
)

// Sentinel codec errors.
var (
	ErrBadMessage          = errors.New("wire: bad message")
	ErrVersionUnsupported  = errors.New("wire: unsupported protocol version")
	ErrSerializationFailed = errors.New("wire: serialization failed")
	ErrTooLarge            = errors.New("wire: envelope exceeds maximum size")
)

// Envelope is the unit of protocol exchange. Exactly one of the typed
// variant pointers (selected by Type) is populated; Raw pixel bytes for the
// Frame variant live on FrameMsg.Payload, outside msgpack encoding.
type Envelope struct {
	ProtocolVersion uint8
	StreamID        string
	Type            MsgType

	Init         *Init
	InitOk       *InitOk
	WindowUpdate *WindowUpdate
	Frame        *FrameMsg
	Result       *Result
	Heartbeat    *Heartbeat
	Error        *ErrorMsg
	End          *End
}

// Capabilities is sent in Init.
type Capabilities struct {
	PixelFormats         []string `msgpack:"pixel_formats"`
	Codecs               []string `msgpack:"codecs"`
	MaxWidth             uint32   `msgpack:"max_width"`
	MaxHeight            uint32   `msgpack:"max_height"`
	MaxInflightFrames    uint32   `msgpack:"max_inflight_frames"`
	SupportsLetterbox    bool     `msgpack:"supports_letterbox"`
	SupportsNormalize    bool     `msgpack:"supports_normalize"`
	PreferredLayout      string   `msgpack:"preferred_layout"`
	PreferredDtype       string   `msgpack:"preferred_dtype"`
	DesiredMaxFrameBytes uint64   `msgpack:"desired_max_frame_bytes"`
}

// Init is the handshake request.
type Init struct {
	Capabilities Capabilities `msgpack:"capabilities"`
}

// PolicyLatestWins is the only flow-control policy this client understands.
const PolicyLatestWins = "LATEST_WINS"

// Chosen is sent in InitOk: the worker-accepted subset of capabilities.
type Chosen struct {
	PixelFormat   string `msgpack:"pixel_format"`
	Codec         string `msgpack:"codec"`
	Width         uint32 `msgpack:"width"`
	Height        uint32 `msgpack:"height"`
	TargetFPS     uint32 `msgpack:"target_fps"`
	Policy        string `msgpack:"policy"`
	InitialCredit uint32 `msgpack:"initial_credit"`
	GOPHint       uint32 `msgpack:"gop_hint"`
	ColorSpace    string `msgpack:"color_space"`
	ColorRange    string `msgpack:"color_range"`
}

// InitOk is the handshake response.
type InitOk struct {
	Chosen        Chosen `msgpack:"chosen"`
	MaxFrameBytes uint64 `msgpack:"max_frame_bytes"`
}

// WindowUpdate resizes the credit window.
type WindowUpdate struct {
	WindowSize uint32 `msgpack:"window_size"`
}

// Plane describes a contiguous byte range within a planar pixel buffer.
type Plane struct {
	Stride uint32 `msgpack:"stride"`
	Offset uint32 `msgpack:"offset"`
	Size   uint32 `msgpack:"size"`
}

// FrameMsg carries one admitted video frame. Payload holds the raw pixel
// bytes and is transmitted outside msgpack encoding (see Encode).
type FrameMsg struct {
	FrameID        uint64  `msgpack:"frame_id"`
	MonotonicNs    int64   `msgpack:"monotonic_ns"`
	PresentationNs int64   `msgpack:"presentation_ns"`
	WallClockNs    int64   `msgpack:"wall_clock_ns"`
	Width          uint32  `msgpack:"width"`
	Height         uint32  `msgpack:"height"`
	PixelFormat    string  `msgpack:"pixel_format"`
	Codec          string  `msgpack:"codec"`
	Planes         []Plane `msgpack:"planes"`
	Keyframe       bool    `msgpack:"keyframe"`
	ColorSpace     string  `msgpack:"color_space"`
	ColorRange     string  `msgpack:"color_range"`
	SessionID      string  `msgpack:"session_id"`

	Payload []byte `msgpack:"-"`
}

// BBox is a normalized bounding box (spec §3 Result message).
type BBox struct {
	X1 float64 `msgpack:"x1"`
	Y1 float64 `msgpack:"y1"`
	X2 float64 `msgpack:"x2"`
	Y2 float64 `msgpack:"y2"`
}

// Detection is a single model detection within a Result.
type Detection struct {
	BBox       BBox    `msgpack:"bbox"`
	Confidence float64 `msgpack:"confidence"`
	ClassLabel string  `msgpack:"class_label"`
	TrackID    *int64  `msgpack:"track_id"`
}

// FrameRef correlates a Result back to the originating frame and session.
type FrameRef struct {
	MonotonicNs int64  `msgpack:"monotonic_ns"`
	UtcNs       int64  `msgpack:"utc_ns"`
	SessionID   string `msgpack:"session_id"`
}

// LatencyBreakdown reports per-stage inference timing in milliseconds.
type LatencyBreakdown struct {
	PreMs   float64 `msgpack:"pre_ms"`
	InferMs float64 `msgpack:"infer_ms"`
	PostMs  float64 `msgpack:"post_ms"`
	TotalMs float64 `msgpack:"total_ms"`
}

// Result is the worker's response to one Frame.
type Result struct {
	FrameID      uint64           `msgpack:"frame_id"`
	FrameRef     FrameRef         `msgpack:"frame_ref"`
	ModelFamily  string           `msgpack:"model_family"`
	ModelName    string           `msgpack:"model_name"`
	ModelVersion string           `msgpack:"model_version"`
	Latency      LatencyBreakdown `msgpack:"latency"`
	Detections   []Detection      `msgpack:"detections"`
}

// Heartbeat carries liveness plus counters (spec §9: implementers include
// all three fields; a tag-preserving decoder lets the peer ignore any it
// does not recognize).
type Heartbeat struct {
	MonotonicNs int64  `msgpack:"monotonic_ns"`
	LastFrameID uint64 `msgpack:"last_frame_id"`
	BytesTx     uint64 `msgpack:"bytes_tx"`
	BytesRx     uint64 `msgpack:"bytes_rx"`
}

// ErrorMsg reports a worker-side error.
type ErrorMsg struct {
	Code    ErrorCode `msgpack:"code"`
	Message string    `msgpack:"message"`
}

// End signals orderly session termination.
type End struct {
	Reason string `msgpack:"reason"`
}

// variantPayload returns the msgpack-encodable struct for env's variant and
// validates that exactly one variant is populated for env.Type.
func variantPayload(env *Envelope) (interface{}, error) {
	switch env.Type {
	case MsgInit:
		if env.Init == nil {
			return nil, fmt.Errorf("%w: INIT missing payload", ErrSerializationFailed)
		}
		return env.Init, nil
	case MsgInitOk:
		if env.InitOk == nil {
			return nil, fmt.Errorf("%w: INIT_OK missing payload", ErrSerializationFailed)
		}
		return env.InitOk, nil
	case MsgWindowUpdate:
		if env.WindowUpdate == nil {
			return nil, fmt.Errorf("%w: WINDOW_UPDATE missing payload", ErrSerializationFailed)
		}
		return env.WindowUpdate, nil
	case MsgFrame:
		if env.Frame == nil {
			return nil, fmt.Errorf("%w: FRAME missing payload", ErrSerializationFailed)
		}
		return env.Frame, nil
	case MsgResult:
		if env.Result == nil {
			return nil, fmt.Errorf("%w: RESULT missing payload", ErrSerializationFailed)
		}
		return env.Result, nil
	case MsgHeartbeat:
		if env.Heartbeat == nil {
			return nil, fmt.Errorf("%w: HEARTBEAT missing payload", ErrSerializationFailed)
		}
		return env.Heartbeat, nil
	case MsgError:
		if env.Error == nil {
			return nil, fmt.Errorf("%w: ERROR missing payload", ErrSerializationFailed)
		}
		return env.Error, nil
	case MsgEnd:
		if env.End == nil {
			return nil, fmt.Errorf("%w: END missing payload", ErrSerializationFailed)
		}
		return env.End, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrSerializationFailed, env.Type)
	}
}

// Encode serializes env into its wire form, not including the outer
// 4-byte length prefix (see WriteEnvelope). Fails with ErrSerializationFailed
// only when a required variant field is missing.
func Encode(env *Envelope) ([]byte, error) {
	payload, err := variantPayload(env)
	if err != nil {
		return nil, err
	}

	meta, err := MarshalMsgpack(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	streamID := []byte(env.StreamID)
	var rawLen int
	if env.Type == MsgFrame {
		rawLen = len(env.Frame.Payload)
	}
	total := 1 /* version */ + 1 /* type */ +
		2 + len(streamID) + /* stream id LV */
		4 + len(meta) + /* meta LV */
		4 + rawLen /* raw LV */

	buf := make([]byte, total)
	off := 0
	buf[off] = env.ProtocolVersion
	off++
	buf[off] = byte(env.Type)
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(streamID)))
	off += 2
	off += copy(buf[off:], streamID)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(meta)))
	off += 4
	off += copy(buf[off:], meta)
	binary.LittleEndian.PutUint32(buf[off:], uint32(rawLen))
	off += 4
	if rawLen > 0 {
		off += copy(buf[off:], env.Frame.Payload)
	}
	return buf[:off], nil
}

// Decode parses the wire form produced by Encode (without the outer length
// prefix). Returns ErrBadMessage on truncated/malformed input and
// ErrVersionUnsupported if the embedded version field is not Version.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < 2+2+4+4 {
		return nil, fmt.Errorf("%w: envelope shorter than fixed header", ErrBadMessage)
	}
	off := 0
	version := data[off]
	off++
	msgType := MsgType(data[off])
	off++

	if version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrVersionUnsupported, version)
	}

	sidLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+sidLen > len(data) {
		return nil, fmt.Errorf("%w: truncated stream id", ErrBadMessage)
	}
	streamID := string(data[off : off+sidLen])
	off += sidLen

	if off+4 > len(data) {
		return nil, fmt.Errorf("%w: truncated meta length", ErrBadMessage)
	}
	metaLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+metaLen > len(data) {
		return nil, fmt.Errorf("%w: truncated meta", ErrBadMessage)
	}
	meta := data[off : off+metaLen]
	off += metaLen

	if off+4 > len(data) {
		return nil, fmt.Errorf("%w: truncated raw length", ErrBadMessage)
	}
	rawLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+rawLen > len(data) {
		return nil, fmt.Errorf("%w: truncated raw payload", ErrBadMessage)
	}
	raw := data[off : off+rawLen]
	off += rawLen

	if off != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrBadMessage)
	}

	env := &Envelope{
		ProtocolVersion: version,
		StreamID:        streamID,
		Type:            msgType,
	}

	var decodeErr error
	switch msgType {
	case MsgInit:
		env.Init = &Init{}
		decodeErr = UnmarshalMsgpack(meta, env.Init)
	case MsgInitOk:
		env.InitOk = &InitOk{}
		decodeErr = UnmarshalMsgpack(meta, env.InitOk)
	case MsgWindowUpdate:
		env.WindowUpdate = &WindowUpdate{}
		decodeErr = UnmarshalMsgpack(meta, env.WindowUpdate)
	case MsgFrame:
		env.Frame = &FrameMsg{}
		if decodeErr = UnmarshalMsgpack(meta, env.Frame); decodeErr == nil && rawLen > 0 {
			env.Frame.Payload = append([]byte(nil), raw...)
		}
	case MsgResult:
		env.Result = &Result{}
		decodeErr = UnmarshalMsgpack(meta, env.Result)
	case MsgHeartbeat:
		env.Heartbeat = &Heartbeat{}
		decodeErr = UnmarshalMsgpack(meta, env.Heartbeat)
	case MsgError:
		env.Error = &ErrorMsg{}
		decodeErr = UnmarshalMsgpack(meta, env.Error)
	case MsgEnd:
		env.End = &End{}
		decodeErr = UnmarshalMsgpack(meta, env.End)
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrBadMessage, msgType)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decoding variant: %v", ErrBadMessage, decodeErr)
	}

	return env, nil
}

// lenPrefixPool pools the 4-byte length-prefix buffer used by WriteEnvelope.
var lenPrefixPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, LengthPrefixSize)
		return &b
	},
}

// WriteEnvelope encodes env and writes it to w as a 4-byte big-endian
// length prefix followed by the encoded envelope.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := Encode(env)
	if err != nil {
		return err
	}
	if len(body) > MaxEnvelopeSize {
		return ErrTooLarge
	}

	bp := lenPrefixPool.Get().(*[]byte)
	prefix := *bp
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))
	_, err = w.Write(prefix)
	lenPrefixPool.Put(bp)
	if err != nil {
		return fmt.Errorf("writing envelope length prefix: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed envelope from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	prefix := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("reading envelope length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix)
	if length > MaxEnvelopeSize {
		return nil, ErrTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading envelope body (%d bytes): %w", length, err)
	}

	return Decode(body)
}
