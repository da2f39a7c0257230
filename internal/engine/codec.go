package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single framed message.
const MaxMessageSize = 1 << 20

var byteOrder = binary.LittleEndian

// wire type names
const (
	typeAdd        = "add"
	typePause      = "pause"
	typeRemove     = "remove"
	typeDelete     = "delete"
	typePauseAll   = "pause-all"
	typeSetUpdates = "updates"

	typeProgress  = "progress"
	typeAdded     = "added"
	typePaused    = "paused"
	typePausedAll = "paused-all"
	typeFailed    = "failed"
	typeCompleted = "completed"
	typeRemoved   = "removed"
	typeError     = "error"
)

// wireMessage is the flat JSON record exchanged with the engine.
type wireMessage struct {
	Type     string `json:"type"`
	ID       int64  `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Dir      string `json:"dir,omitempty"`
	Filename string `json:"filename,omitempty"`
	Conns    int    `json:"conns,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Length   int64  `json:"length,omitempty"`
	Stats    []Stat `json:"stats,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Encoder writes length-prefixed JSON frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode frames and writes one request.
func (e *Encoder) Encode(req Request) error {
	msg, err := requestToWire(req)
	if err != nil {
		return err
	}
	return e.writeFrame(msg)
}

// EncodeEvent frames and writes one event. Engines and test doubles use it.
func (e *Encoder) EncodeEvent(ev Event) error {
	msg, err := eventToWire(ev)
	if err != nil {
		return err
	}
	return e.writeFrame(msg)
}

func (e *Encoder) writeFrame(msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	byteOrder.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed JSON frames.
type Decoder struct {
	r   io.Reader
	hdr [4]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

func (d *Decoder) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return nil, err
	}
	n := byteOrder.Uint32(d.hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Decode reads the next event. Unrecognized types yield an Unknown event
// rather than an error.
func (d *Decoder) Decode() (Event, error) {
	payload, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return wireToEvent(msg, payload), nil
}

// DecodeRequest reads the next request. Engines and test doubles use it.
func (d *Decoder) DecodeRequest() (Request, error) {
	payload, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return wireToRequest(msg)
}

func requestToWire(req Request) (wireMessage, error) {
	switch r := req.(type) {
	case Add:
		return wireMessage{Type: typeAdd, ID: r.ID, URL: r.URL, Dir: r.Dir, Conns: r.MaxConns, Filename: r.Filename}, nil
	case Pause:
		return wireMessage{Type: typePause, ID: r.ID}, nil
	case Remove:
		return wireMessage{Type: typeRemove, ID: r.ID}, nil
	case Delete:
		return wireMessage{Type: typeDelete, Dir: r.Dir, Filename: r.Filename}, nil
	case PauseAll:
		return wireMessage{Type: typePauseAll}, nil
	case SetUpdates:
		enabled := r.Enabled
		return wireMessage{Type: typeSetUpdates, Enabled: &enabled}, nil
	default:
		return wireMessage{}, fmt.Errorf("%w: %T", ErrUnsupportedMessage, req)
	}
}

func wireToRequest(msg wireMessage) (Request, error) {
	switch msg.Type {
	case typeAdd:
		return Add{ID: msg.ID, URL: msg.URL, Dir: msg.Dir, MaxConns: msg.Conns, Filename: msg.Filename}, nil
	case typePause:
		return Pause{ID: msg.ID}, nil
	case typeRemove:
		return Remove{ID: msg.ID}, nil
	case typeDelete:
		return Delete{Dir: msg.Dir, Filename: msg.Filename}, nil
	case typePauseAll:
		return PauseAll{}, nil
	case typeSetUpdates:
		return SetUpdates{Enabled: msg.Enabled != nil && *msg.Enabled}, nil
	default:
		return nil, &UnknownMessageError{Type: msg.Type}
	}
}

func eventToWire(ev Event) (wireMessage, error) {
	switch e := ev.(type) {
	case Progress:
		return wireMessage{Type: typeProgress, Stats: e.Stats}, nil
	case Added:
		return wireMessage{Type: typeAdded, ID: e.ID, URL: e.URL, Dir: e.Dir, Filename: e.Filename, Size: e.Size, Error: e.Err}, nil
	case Paused:
		return wireMessage{Type: typePaused, ID: e.ID, Error: e.Err}, nil
	case PausedAll:
		return wireMessage{Type: typePausedAll, Stats: e.Stats}, nil
	case Failed:
		return wireMessage{Type: typeFailed, ID: e.ID, Error: e.Err}, nil
	case Completed:
		return wireMessage{Type: typeCompleted, ID: e.ID, Filename: e.Filename, Length: e.Length}, nil
	case Removed:
		return wireMessage{Type: typeRemoved, ID: e.ID, Error: e.Err}, nil
	case ProtocolError:
		return wireMessage{Type: typeError, Error: e.Message}, nil
	case Unknown:
		return wireMessage{Type: e.Type}, nil
	default:
		return wireMessage{}, fmt.Errorf("%w: %T", ErrUnsupportedMessage, ev)
	}
}

func wireToEvent(msg wireMessage, raw []byte) Event {
	switch msg.Type {
	case typeProgress:
		return Progress{Stats: msg.Stats}
	case typeAdded:
		return Added{ID: msg.ID, URL: msg.URL, Dir: msg.Dir, Filename: msg.Filename, Size: msg.Size, Err: msg.Error}
	case typePaused:
		return Paused{ID: msg.ID, Err: msg.Error}
	case typePausedAll:
		return PausedAll{Stats: msg.Stats}
	case typeFailed:
		return Failed{ID: msg.ID, Err: msg.Error}
	case typeCompleted:
		return Completed{ID: msg.ID, Filename: msg.Filename, Length: msg.Length}
	case typeRemoved:
		return Removed{ID: msg.ID, Err: msg.Error}
	case typeError:
		return ProtocolError{Message: msg.Error}
	default:
		return Unknown{Type: msg.Type, Raw: raw}
	}
}
