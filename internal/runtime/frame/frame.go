// Package frame defines the unit of work exchanged between pipeline
// stages: an optional image buffer, a metadata mapping and a color
// format tag, plus the batch envelope they travel in.
package frame

import (
	sterrors "errors"
)

// Format tags the pixel layout of a frame's image buffer.
type Format string

const (
	FormatNone Format = ""
	FormatBGR  Format = "BGR"
	FormatRGB  Format = "RGB"
	FormatGray Format = "GRAY"
)

// Image is a raw pixel buffer. Len(Pix) is Width*Height*channels for the
// frame's Format.
type Image struct {
	Pix    []byte
	Width  int
	Height int
}

// ImageCodec compresses and decompresses image buffers. The concrete
// codec (JPEG or otherwise) is an external collaborator; the runtime only
// relies on this contract.
type ImageCodec interface {
	Encode(img *Image, format Format) ([]byte, error)
	Decode(data []byte) (*Image, Format, error)
}

var (
	// ErrNoCodec is returned when an encoded frame is read without a
	// codec to decode it.
	ErrNoCodec = sterrors.New("frameflow: no image codec configured")
	// ErrReadOnly is returned when a mutable view of a transported frame
	// is requested without copying it first.
	ErrReadOnly = sterrors.New("frameflow: frame is read-only, copy it before writing")
)

// Frame is one unit of work. A frame with neither image nor data is
// valid and still transmitted: absence of payload is meaningful.
//
// Frames received from the transport are read-only and may carry their
// image still encoded; decoding happens on the first Image call so an
// untouched image can be forwarded downstream without a decode/encode
// round trip.
type Frame struct {
	Data   map[string]any
	Format Format

	img      *Image
	encoded  []byte
	codec    ImageCodec
	readOnly bool
}

// New builds a writable frame around a raw image buffer. img may be nil.
func New(img *Image, data map[string]any, format Format) *Frame {
	return &Frame{img: img, Data: data, Format: format}
}

// NewData builds a writable image-less frame.
func NewData(data map[string]any) *Frame {
	return &Frame{Data: data}
}

// NewEncoded builds a frame whose image is still compressed. The codec
// is consulted only if the pixels are actually read.
func NewEncoded(buf []byte, data map[string]any, format Format, codec ImageCodec) *Frame {
	return &Frame{encoded: buf, Data: data, Format: format, codec: codec}
}

// HasImage reports whether the frame carries any image payload, decoded
// or not.
func (f *Frame) HasImage() bool {
	return f.img != nil || f.encoded != nil
}

// IsEmpty reports whether the frame has neither image nor data.
func (f *Frame) IsEmpty() bool {
	return !f.HasImage() && len(f.Data) == 0
}

// Image returns the decoded pixel buffer, lazily decoding an encoded
// payload on first use. Returns (nil, nil) when the frame has no image.
func (f *Frame) Image() (*Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	if f.encoded == nil {
		return nil, nil
	}
	if f.codec == nil {
		return nil, ErrNoCodec
	}
	img, format, err := f.codec.Decode(f.encoded)
	if err != nil {
		return nil, err
	}
	f.img = img
	if f.Format == FormatNone {
		f.Format = format
	}
	return f.img, nil
}

// Encoded returns the compressed image payload, encoding the raw buffer
// through codec when the frame holds only pixels. Returns (nil, nil)
// when the frame has no image.
func (f *Frame) Encoded(codec ImageCodec) ([]byte, error) {
	if f.encoded != nil {
		return f.encoded, nil
	}
	if f.img == nil {
		return nil, nil
	}
	if codec == nil {
		codec = f.codec
	}
	if codec == nil {
		return nil, ErrNoCodec
	}
	return codec.Encode(f.img, f.Format)
}

// ReadOnly reports whether the frame came off the transport and must be
// copied before mutation.
func (f *Frame) ReadOnly() bool { return f.readOnly }

// Writable returns f when it is already writable, or a deep copy
// otherwise.
func (f *Frame) Writable() *Frame {
	if !f.readOnly {
		return f
	}
	return f.Copy()
}

// Copy returns a writable deep copy of the frame. The image pixels and
// the metadata mapping are duplicated; the encoded payload is shared
// since it is never mutated.
func (f *Frame) Copy() *Frame {
	out := &Frame{
		Format:  f.Format,
		encoded: f.encoded,
		codec:   f.codec,
	}
	if f.img != nil {
		pix := make([]byte, len(f.img.Pix))
		copy(pix, f.img.Pix)
		out.img = &Image{Pix: pix, Width: f.img.Width, Height: f.img.Height}
	}
	if f.Data != nil {
		out.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			out.Data[k] = v
		}
	}
	return out
}

// seal marks the frame read-only; called when a frame is handed to or
// received from the transport.
func (f *Frame) seal(codec ImageCodec) {
	f.readOnly = true
	if f.codec == nil {
		f.codec = codec
	}
}
