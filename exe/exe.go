// Package exe implements the flat executable format understood by the
// program loader. An image is a fixed little-endian header followed by the
// raw text and initialized data bytes:
//
//	offset  size  field
//	0       4     magic "YLNX"
//	4       4     entry point (virtual address)
//	8       4     text virtual address
//	12      4     text length in bytes
//	16      4     data virtual address
//	20      4     initialized data length in bytes
//	24      4     uninitialized data (bss) length in bytes
//	28      ...   text bytes, then data bytes
//
// The bss immediately follows the initialized data in the address space.
package exe

import (
	"encoding/binary"

	"github.com/kazzmir/yalnix/kernel"
)

// HeaderSize is the encoded size of the image header.
const HeaderSize = 28

var (
	magic = [4]byte{'Y', 'L', 'N', 'X'}

	// ErrBadMagic is returned by Decode when the input does not start
	// with the image magic.
	ErrBadMagic = &kernel.Error{Module: "exe", Message: "bad image magic"}

	// ErrTruncated is returned by Decode when the section lengths in the
	// header exceed the input.
	ErrTruncated = &kernel.Error{Module: "exe", Message: "truncated image"}
)

// Image is a decoded executable.
type Image struct {
	Entry    uint32
	TextAddr uint32
	Text     []byte
	DataAddr uint32
	Data     []byte
	BSSSize  uint32
}

// DataEnd returns the first virtual address past the bss.
func (img *Image) DataEnd() uint32 {
	return img.DataAddr + uint32(len(img.Data)) + img.BSSSize
}

// Encode serializes the image.
func (img *Image) Encode() []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(img.Text)+len(img.Data))
	copy(out, magic[:])
	binary.LittleEndian.PutUint32(out[4:], img.Entry)
	binary.LittleEndian.PutUint32(out[8:], img.TextAddr)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(img.Text)))
	binary.LittleEndian.PutUint32(out[16:], img.DataAddr)
	binary.LittleEndian.PutUint32(out[20:], uint32(len(img.Data)))
	binary.LittleEndian.PutUint32(out[24:], img.BSSSize)
	out = append(out, img.Text...)
	return append(out, img.Data...)
}

// Decode parses an encoded image. The returned sections share no memory
// with the input.
func Decode(raw []byte) (*Image, *kernel.Error) {
	if len(raw) < HeaderSize {
		return nil, ErrTruncated
	}

	if raw[0] != magic[0] || raw[1] != magic[1] || raw[2] != magic[2] || raw[3] != magic[3] {
		return nil, ErrBadMagic
	}

	var (
		textLen = uint64(binary.LittleEndian.Uint32(raw[12:]))
		dataLen = uint64(binary.LittleEndian.Uint32(raw[20:]))
	)

	if uint64(HeaderSize)+textLen+dataLen > uint64(len(raw)) {
		return nil, ErrTruncated
	}

	img := &Image{
		Entry:    binary.LittleEndian.Uint32(raw[4:]),
		TextAddr: binary.LittleEndian.Uint32(raw[8:]),
		DataAddr: binary.LittleEndian.Uint32(raw[16:]),
		BSSSize:  binary.LittleEndian.Uint32(raw[24:]),
	}

	textStart := uint64(HeaderSize)
	img.Text = append([]byte(nil), raw[textStart:textStart+textLen]...)
	img.Data = append([]byte(nil), raw[textStart+textLen:textStart+textLen+dataLen]...)

	return img, nil
}
