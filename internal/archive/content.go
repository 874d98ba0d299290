package archive

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/threesd-go/threesd/internal/copier"
)

// shaWriter wraps an io.Writer, hashing every byte written through it —
// used by Standard-mode builds, where the recorded hash must cover the
// decrypted bytes actually written to the archive.
type shaWriter struct {
	w    io.Writer
	hash [32]byte
	h    interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newSHAWriter(w io.Writer) *shaWriter {
	return &shaWriter{w: w, h: sha256.New()}
}

func (s *shaWriter) Write(p []byte) (int, error) {
	s.h.Write(p)
	return s.w.Write(p)
}

func (s *shaWriter) Sum() [32]byte {
	var out [32]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// DecryptedContentSource streams a content through an AES-CTR transform
// (the NCCH's or content's decryption key/IV) into a hashing wrapper, for
// Standard-mode builds.
type DecryptedContentSource struct {
	index, typ   uint16
	contentID    uint32
	size         int64
	src          io.Reader
	key, ctr     [16]byte
}

// NewDecryptedContentSource builds a ContentSource that decrypts src with
// (key, ctr) as it streams, recording a hash over the decrypted bytes.
func NewDecryptedContentSource(index uint16, contentID uint32, typ uint16, size int64, src io.Reader, key, ctr [16]byte) *DecryptedContentSource {
	return &DecryptedContentSource{index: index, typ: typ, contentID: contentID, size: size, src: src, key: key, ctr: ctr}
}

func (c *DecryptedContentSource) Index() uint16     { return c.index }
func (c *DecryptedContentSource) ContentID() uint32 { return c.contentID }
func (c *DecryptedContentSource) Type() uint16       { return c.typ }
func (c *DecryptedContentSource) Size() int64         { return c.size }

func (c *DecryptedContentSource) Stream(w io.Writer) ([32]byte, error) {
	sw := newSHAWriter(w)
	if _, err := copier.CopyAES(context.Background(), sw, c.src, c.key, c.ctr, nil, nil); err != nil {
		return [32]byte{}, err
	}
	return sw.Sum(), nil
}

// PlainContentSource streams an already-decrypted content straight through,
// only hashing it. Used for Standard-mode builds whose input content has
// already been decrypted by an earlier dump-executable pass.
type PlainContentSource struct {
	index, typ uint16
	contentID  uint32
	size       int64
	src        io.Reader
}

// NewPlainContentSource builds a ContentSource over already-plaintext src.
func NewPlainContentSource(index uint16, contentID uint32, typ uint16, size int64, src io.Reader) *PlainContentSource {
	return &PlainContentSource{index: index, typ: typ, contentID: contentID, size: size, src: src}
}

func (c *PlainContentSource) Index() uint16     { return c.index }
func (c *PlainContentSource) ContentID() uint32 { return c.contentID }
func (c *PlainContentSource) Type() uint16       { return c.typ }
func (c *PlainContentSource) Size() int64         { return c.size }

func (c *PlainContentSource) Stream(w io.Writer) ([32]byte, error) {
	sw := newSHAWriter(w)
	if _, err := io.Copy(sw, c.src); err != nil {
		return [32]byte{}, err
	}
	return sw.Sum(), nil
}

// EncryptedContentSource streams a content through a combined
// CBC-encrypt-and-SHA-256 transform with a per-content IV formed from the
// content's 16-bit index in the high bytes, for PirateLegit/Legit builds.
type EncryptedContentSource struct {
	index, typ uint16
	contentID  uint32
	size       int64
	src        io.Reader
	key        [16]byte
}

// NewEncryptedContentSource builds a ContentSource that re-encrypts src
// (already plaintext) with key under the mode's content-index-derived
// IV, recording a hash over the plaintext read from src.
func NewEncryptedContentSource(index uint16, contentID uint32, typ uint16, size int64, src io.Reader, key [16]byte) *EncryptedContentSource {
	return &EncryptedContentSource{index: index, typ: typ, contentID: contentID, size: size, src: src, key: key}
}

func (c *EncryptedContentSource) Index() uint16     { return c.index }
func (c *EncryptedContentSource) ContentID() uint32 { return c.contentID }
func (c *EncryptedContentSource) Type() uint16       { return c.typ }
func (c *EncryptedContentSource) Size() int64         { return c.size }

// ContentIV returns the per-content IV: the content's 16-bit index in the
// high two bytes, zero elsewhere.
func ContentIV(index uint16) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint16(iv[0:2], index)
	return iv
}

func (c *EncryptedContentSource) Stream(w io.Writer) ([32]byte, error) {
	return streamCBCEncryptHash(w, c.src, c.key, ContentIV(c.index))
}
