package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"hash"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// BlockSize is the AES block size, also the CTR counter granularity used
// throughout the container/archive formats.
const BlockSize = aes.BlockSize

// Kind tags the variant a Transform was constructed as.
type Kind int

const (
	// None is a pass-through transform: process() is a no-op.
	None Kind = iota
	// AesCtr decrypts (or encrypts, CTR is its own inverse) in place.
	AesCtr
	// AesCbcEncryptHash encrypts in place with CBC while accumulating a
	// running SHA-256 of the plaintext seen so far. Used only by the
	// Archive Builder's non-Standard build modes.
	AesCbcEncryptHash
)

// Transform is a stateful streaming operation applied to successive byte
// ranges of a file as it passes through the Threaded File Copier. A zero
// value with Kind None is the identity transform.
type Transform struct {
	kind Kind

	block     cipher.Block
	stream    cipher.Stream // CTR mode only
	key       [16]byte
	ctrBase   [16]byte // the IV/counter at byte offset 0, for Seek
	iv        [16]byte // CBC mode only
	hasher    hash.Hash
	byteCount int64
}

// NewNone returns the identity transform (plain copy).
func NewNone() *Transform { return &Transform{kind: None} }

// NewAesCtr constructs an AES-CTR transform with the given 16-byte key and
// initial 16-byte counter/IV.
func NewAesCtr(key, ctr [16]byte) (*Transform, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, threeerrors.Wrap(err, "aes-ctr: new cipher")
	}
	t := &Transform{kind: AesCtr, block: block, key: key, ctrBase: ctr}
	t.stream = cipher.NewCTR(block, ctr[:])
	return t, nil
}

// NewAesCbcEncryptHash constructs a combined CBC-encrypt + running-SHA-256
// transform used by the archive builder's PirateLegit/Legit content
// streaming.
func NewAesCbcEncryptHash(key, iv [16]byte) (*Transform, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, threeerrors.Wrap(err, "aes-cbc: new cipher")
	}
	return &Transform{
		kind:   AesCbcEncryptHash,
		block:  block,
		key:    key,
		iv:     iv,
		hasher: sha256.New(),
	}, nil
}

// Kind reports which variant this transform is.
func (t *Transform) Kind() Kind { return t.kind }

// Process mutates buf in place according to the transform's variant.
// For AesCbcEncryptHash, the hash is updated over the plaintext buf BEFORE
// encryption happens, matching the requirement that the hash cover
// the plaintext.
func (t *Transform) Process(buf []byte) error {
	switch t.kind {
	case None:
		return nil
	case AesCtr:
		t.stream.XORKeyStream(buf, buf)
		t.byteCount += int64(len(buf))
		return nil
	case AesCbcEncryptHash:
		if len(buf)%BlockSize != 0 {
			return fmt.Errorf("aes-cbc: buffer length %d not a multiple of block size", len(buf))
		}
		if t.hasher != nil {
			t.hasher.Write(buf)
		}
		enc := cipher.NewCBCEncrypter(t.block, t.iv[:])
		enc.CryptBlocks(buf, buf)
		if len(buf) >= BlockSize {
			copy(t.iv[:], buf[len(buf)-BlockSize:])
		}
		t.byteCount += int64(len(buf))
		return nil
	default:
		return fmt.Errorf("crypto: unknown transform kind %d", t.kind)
	}
}

// Seek jumps an AES-CTR transform's counter to the block containing
// byteOffset and reinitialises the stream, discarding any buffered
// keystream. Only valid for AesCtr transforms.
func (t *Transform) Seek(byteOffset int64) error {
	if t.kind != AesCtr {
		return fmt.Errorf("crypto: Seek only valid for AesCtr transforms")
	}
	block := t.block
	ctr := AddCounterBlocks(t.ctrBase, byteOffset/BlockSize)
	t.stream = cipher.NewCTR(block, ctr[:])
	t.byteCount = byteOffset - (byteOffset % BlockSize)
	// If byteOffset is not block-aligned, discard the leading partial
	// block's worth of keystream so the next Process call lines up.
	if rem := byteOffset % BlockSize; rem != 0 {
		discard := make([]byte, rem)
		t.stream.XORKeyStream(discard, discard)
	}
	return nil
}

// DecryptCBC decrypts buf in place with AES-128-CBC under key/iv. buf's
// length must be a multiple of the AES block size. Used to unwrap a
// ticket's title key, which is always exactly one CBC block.
func DecryptCBC(key, iv [16]byte, buf []byte) error {
	if len(buf)%BlockSize != 0 {
		return fmt.Errorf("aes-cbc: buffer length %d not a multiple of block size", len(buf))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return threeerrors.Wrap(err, "aes-cbc: new cipher")
	}
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(buf, buf)
	return nil
}

// Sum returns the running SHA-256 digest accumulated by an
// AesCbcEncryptHash transform over all plaintext processed so far.
func (t *Transform) Sum() [32]byte {
	var out [32]byte
	if t.kind != AesCbcEncryptHash || t.hasher == nil {
		return out
	}
	copy(out[:], t.hasher.Sum(nil))
	return out
}

// Close zeros the transform's key material and hash state. Callers that
// finished reading Sum() should call Close afterward; Process/Sum are not
// valid on a closed Transform.
func (t *Transform) Close() {
	SecureZero(t.key[:])
	SecureZero(t.ctrBase[:])
	SecureZero(t.iv[:])
	SecureZeroHash(t.hasher)
	t.block = nil
	t.stream = nil
}

// AddCounterBlocks adds n (a block count) to a 128-bit big-endian counter,
// treating the whole 16 bytes as one big-endian integer, matching AES-CTR's
// counter semantics (as opposed to the Key Store's rotate/add arithmetic).
func AddCounterBlocks(ctr [16]byte, n int64) [16]byte {
	var out [16]byte
	copy(out[:], ctr[:])
	carry := uint64(n)
	for i := 15; i >= 0 && carry != 0; i-- {
		sum := uint64(out[i]) + (carry & 0xFF)
		out[i] = byte(sum)
		carry = carry>>8 + sum>>8
	}
	return out
}
