package stream

import (
	"bytes"
	"image/jpeg"

	"github.com/jack-at-someai/core/internal/types"
)

// Decoder turns one framed byte span into a payload.
// SourceID, Seq, Timestamp and TraceID are filled in by the registry.
type Decoder interface {
	Decode(data []byte) (types.Payload, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc func(data []byte) (types.Payload, error)

// Decode implements Decoder
func (f DecoderFunc) Decode(data []byte) (types.Payload, error) {
	return f(data)
}

// JPEGDecoder decodes baseline and progressive JPEG frames
type JPEGDecoder struct{}

// Decode implements Decoder
func (JPEGDecoder) Decode(data []byte) (types.Payload, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Payload{}, err
	}
	b := img.Bounds()
	return types.Payload{
		Image:  img,
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
