package frame

import (
	"encoding/binary"
	"fmt"
	"sort"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/ids"
	"github.com/frameflow/frameflow/internal/runtime/jsoncodec"
)

// Kind separates data batches from in-band control announcements.
type Kind string

const (
	KindData Kind = "data"
	KindExit Kind = "exit"
)

// Batch is the wire unit: every send moves one batch carrying the whole
// topic->frame mapping of that iteration. An empty mapping is a valid
// batch and is delivered downstream as such.
type Batch struct {
	ID     string
	Sender string
	Kind   Kind
	Reason string // exit announcements only: "clean" or "error"
	Frames map[string]*Frame
}

// NewBatch wraps a frame mapping in a data batch. frames may be empty
// but not nil-meaningless: an empty map means "heartbeat, no payload".
func NewBatch(sender string, frames map[string]*Frame) *Batch {
	return &Batch{ID: ids.NewULID(), Sender: sender, Kind: KindData, Frames: frames}
}

// NewExitBatch builds the in-band exit announcement.
func NewExitBatch(sender, reason string) *Batch {
	return &Batch{ID: ids.NewULID(), Sender: sender, Kind: KindExit, Reason: reason}
}

// IsExit reports whether the batch is an exit announcement.
func (b *Batch) IsExit() bool { return b.Kind == KindExit }

type wireHeader struct {
	ID     string      `json:"id"`
	Sender string      `json:"sender"`
	Kind   Kind        `json:"kind"`
	Reason string      `json:"reason,omitempty"`
	Frames []wireFrame `json:"frames"`
}

type wireFrame struct {
	Topic    string         `json:"topic"`
	Data     map[string]any `json:"data,omitempty"`
	Format   Format         `json:"format,omitempty"`
	ImageLen int            `json:"image_len"`
	Encoded  bool           `json:"encoded,omitempty"`
	Width    int            `json:"width,omitempty"`
	Height   int            `json:"height,omitempty"`
}

const wireHeaderLenSize = 4

// MarshalBatch serializes a batch: a 4-byte big-endian header length, a
// JSON header, then the image buffers in header order. When compress is
// set, raw images are run through codec first so downstream stages can
// forward them without paying a decode.
func MarshalBatch(b *Batch, codec ImageCodec, compress bool) ([]byte, error) {
	header := wireHeader{ID: b.ID, Sender: b.Sender, Kind: b.Kind, Reason: b.Reason}

	topics := make([]string, 0, len(b.Frames))
	for topic := range b.Frames {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	images := make([][]byte, 0, len(topics))
	for _, topic := range topics {
		f := b.Frames[topic]
		wf := wireFrame{Topic: topic, Data: f.Data, Format: f.Format}

		switch {
		case f.encoded != nil:
			wf.Encoded = true
			wf.ImageLen = len(f.encoded)
			images = append(images, f.encoded)
		case f.img != nil && compress:
			if codec == nil {
				return nil, ErrNoCodec
			}
			buf, err := codec.Encode(f.img, f.Format)
			if err != nil {
				return nil, fmt.Errorf("encode image for topic %q: %w", topic, err)
			}
			wf.Encoded = true
			wf.ImageLen = len(buf)
			images = append(images, buf)
		case f.img != nil:
			wf.ImageLen = len(f.img.Pix)
			wf.Width = f.img.Width
			wf.Height = f.img.Height
			images = append(images, f.img.Pix)
		}

		header.Frames = append(header.Frames, wf)
	}

	headerBytes, err := jsoncodec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal batch header: %w", err)
	}

	size := wireHeaderLenSize + len(headerBytes)
	for _, img := range images {
		size += len(img)
	}

	out := make([]byte, wireHeaderLenSize, size)
	binary.BigEndian.PutUint32(out, uint32(len(headerBytes)))
	out = append(out, headerBytes...)
	for _, img := range images {
		out = append(out, img...)
	}
	return out, nil
}

// UnmarshalBatch reverses MarshalBatch. Frames come back sealed
// read-only; encoded images stay encoded until their first read through
// codec.
func UnmarshalBatch(data []byte, codec ImageCodec) (*Batch, error) {
	if len(data) < wireHeaderLenSize {
		return nil, fferrors.Transientf("short batch: %d bytes", len(data))
	}
	headerLen := int(binary.BigEndian.Uint32(data))
	if wireHeaderLenSize+headerLen > len(data) {
		return nil, fferrors.Transientf("batch header length %d exceeds payload", headerLen)
	}

	var header wireHeader
	if err := jsoncodec.Unmarshal(data[wireHeaderLenSize:wireHeaderLenSize+headerLen], &header); err != nil {
		return nil, fferrors.Transient(fmt.Errorf("unmarshal batch header: %w", err))
	}

	b := &Batch{
		ID:     header.ID,
		Sender: header.Sender,
		Kind:   header.Kind,
		Reason: header.Reason,
		Frames: make(map[string]*Frame, len(header.Frames)),
	}

	offset := wireHeaderLenSize + headerLen
	for _, wf := range header.Frames {
		if offset+wf.ImageLen > len(data) {
			return nil, fferrors.Transientf("batch image for topic %q truncated", wf.Topic)
		}
		var f *Frame
		switch {
		case wf.ImageLen == 0:
			f = &Frame{Data: wf.Data, Format: wf.Format}
		case wf.Encoded:
			f = &Frame{Data: wf.Data, Format: wf.Format, encoded: data[offset : offset+wf.ImageLen]}
		default:
			f = &Frame{
				Data:   wf.Data,
				Format: wf.Format,
				img:    &Image{Pix: data[offset : offset+wf.ImageLen], Width: wf.Width, Height: wf.Height},
			}
		}
		offset += wf.ImageLen
		f.seal(codec)
		b.Frames[wf.Topic] = f
	}

	return b, nil
}
