package archive

import (
	"context"
	"io"

	"github.com/threesd-go/threesd/internal/copier"
	"github.com/threesd-go/threesd/internal/crypto"
)

// streamCBCEncryptHash runs src through a combined CBC-encrypt +
// running-SHA-256 transform, writing ciphertext to w and returning the
// digest over the plaintext bytes seen.
func streamCBCEncryptHash(w io.Writer, src io.Reader, key, iv [16]byte) ([32]byte, error) {
	tr, err := crypto.NewAesCbcEncryptHash(key, iv)
	if err != nil {
		return [32]byte{}, err
	}
	if _, err := copier.Copy(context.Background(), w, src, tr, nil, nil); err != nil {
		return [32]byte{}, err
	}
	sum := tr.Sum()
	tr.Close()
	return sum, nil
}
