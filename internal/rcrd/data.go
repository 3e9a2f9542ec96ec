package rcrd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

// Magic opens every DATA container.
const Magic = "ZDCDATA1"

// HeaderSize is the fixed length of the container header: the magic
// followed by four big-endian uint64 offsets.
const HeaderSize = len(Magic) + 4*8

// DataFork is the cleartext content of a DATA container. Nil sections are
// omitted from the container.
type DataFork struct {
	Metadata  []byte
	Thumbnail []byte
	Content   []byte
}

// Header locates the sections of a DATA container. The metadata section
// spans [MetadataOffset, ThumbnailOffset), the thumbnail section
// [ThumbnailOffset, ContentOffset) and the content [ContentOffset,
// TotalLength). An empty span means the section is absent.
type Header struct {
	MetadataOffset  uint64
	ThumbnailOffset uint64
	ContentOffset   uint64
	TotalLength     uint64
}

// PrefixLen is the number of leading bytes needed to decode metadata and
// thumbnail without the content.
func (h Header) PrefixLen() uint64 { return h.ContentOffset }

// EncodeData builds a DATA container, encrypting each section with key.
func EncodeData(c zcrypto.Provider, key []byte, f DataFork) ([]byte, error) {
	sections := make([][]byte, 3)

	for i, plain := range [][]byte{f.Metadata, f.Thumbnail, f.Content} {
		if plain == nil {
			continue
		}

		enc, err := c.Encrypt(plain, key)
		if err != nil {
			return nil, fmt.Errorf("encrypting section %d: %w", i, err)
		}

		sections[i] = enc
	}

	h := Header{MetadataOffset: uint64(HeaderSize)}
	h.ThumbnailOffset = h.MetadataOffset + uint64(len(sections[0]))
	h.ContentOffset = h.ThumbnailOffset + uint64(len(sections[1]))
	h.TotalLength = h.ContentOffset + uint64(len(sections[2]))

	var buf bytes.Buffer
	buf.Grow(int(h.TotalLength))
	buf.WriteString(Magic)

	for _, v := range []uint64{h.MetadataOffset, h.ThumbnailOffset, h.ContentOffset, h.TotalLength} {
		buf.Write(binary.BigEndian.AppendUint64(nil, v))
	}

	for _, s := range sections {
		buf.Write(s)
	}

	return buf.Bytes(), nil
}

// DecodeHeader parses the header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", zerrors.ErrCorruptData, len(b))
	}

	if string(b[:len(Magic)]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic", zerrors.ErrCorruptData)
	}

	off := b[len(Magic):HeaderSize]
	h := Header{
		MetadataOffset:  binary.BigEndian.Uint64(off[0:8]),
		ThumbnailOffset: binary.BigEndian.Uint64(off[8:16]),
		ContentOffset:   binary.BigEndian.Uint64(off[16:24]),
		TotalLength:     binary.BigEndian.Uint64(off[24:32]),
	}

	if h.MetadataOffset != uint64(HeaderSize) || h.ThumbnailOffset < h.MetadataOffset ||
		h.ContentOffset < h.ThumbnailOffset || h.TotalLength < h.ContentOffset {
		return Header{}, fmt.Errorf("%w: offsets out of order", zerrors.ErrCorruptData)
	}

	return h, nil
}

// DecodePrefix decrypts metadata and thumbnail from a partial download
// holding at least the header's PrefixLen bytes. Content is left nil.
func DecodePrefix(c zcrypto.Provider, key, b []byte) (*DataFork, Header, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, Header{}, err
	}

	if uint64(len(b)) < h.PrefixLen() {
		return nil, h, fmt.Errorf("%w: need %d bytes, have %d", zerrors.ErrCorruptData, h.PrefixLen(), len(b))
	}

	f := &DataFork{}

	if f.Metadata, err = openSection(c, key, b, h.MetadataOffset, h.ThumbnailOffset); err != nil {
		return nil, h, fmt.Errorf("metadata: %w", err)
	}

	if f.Thumbnail, err = openSection(c, key, b, h.ThumbnailOffset, h.ContentOffset); err != nil {
		return nil, h, fmt.Errorf("thumbnail: %w", err)
	}

	return f, h, nil
}

// DecodeData decrypts a complete DATA container.
func DecodeData(c zcrypto.Provider, key, b []byte) (*DataFork, error) {
	f, h, err := DecodePrefix(c, key, b)
	if err != nil {
		return nil, err
	}

	if uint64(len(b)) != h.TotalLength {
		return nil, fmt.Errorf("%w: length %d, header says %d", zerrors.ErrCorruptData, len(b), h.TotalLength)
	}

	if f.Content, err = openSection(c, key, b, h.ContentOffset, h.TotalLength); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}

	return f, nil
}

func openSection(c zcrypto.Provider, key, b []byte, from, to uint64) ([]byte, error) {
	if from == to {
		return nil, nil
	}

	return c.Decrypt(b[from:to], key)
}
