package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"unicode/utf8"

	engineerrors "github.com/R3E-Network/interactsh-engine/infrastructure/errors"
)

// rsaKeyBits is the modulus size of the process-wide keypair. The Interactsh
// wire protocol assumes 2048-bit RSA with the standard public exponent.
const rsaKeyBits = 2048

// symmetricKeySize is the AES-256 key length the hybrid scheme decrypts to.
// Historical Interactsh servers have shipped symmetric keys of slightly
// different lengths; padding/truncation to this size is load-bearing for
// compatibility, not an implementation choice.
const symmetricKeySize = 32

// aesIVSize is the CFB initialization vector size, equal to the AES block size.
const aesIVSize = aes.BlockSize

// KeyPair is the process-wide RSA-2048 keypair used to decrypt interactions.
// It is generated once and persisted so that every Protocol Client can rely
// on a stable modulus across restarts.
type KeyPair struct {
	private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh RSA-2048 keypair with public exponent 65537.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: key}, nil
}

// KeyPairFromPrivate wraps an already-materialized RSA private key, e.g. one
// reconstructed from persisted big.Int components.
func KeyPairFromPrivate(key *rsa.PrivateKey) *KeyPair {
	return &KeyPair{private: key}
}

// PrivateKey returns the underlying RSA private key for serialization.
func (k *KeyPair) PrivateKey() *rsa.PrivateKey {
	return k.private
}

// ExportPublicKeyPEM produces the doubly-Base64-encoded PEM document the
// Interactsh wire protocol expects in a /register payload: an ASN.1 DER
// SubjectPublicKeyInfo, PEM-wrapped, then Base64-encoded a second time.
func (k *KeyPair) ExportPublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return nil, engineerrors.PemMalformed(err.Error())
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	pemBytes := pem.EncodeToMemory(block)

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(pemBytes)))
	base64.StdEncoding.Encode(encoded, pemBytes)
	return encoded, nil
}

// DecryptAESKey RSA-OAEP/SHA-256-decrypts ciphertext to recover the symmetric
// key a server encrypted to this keypair's public key.
func (k *KeyPair) DecryptAESKey(ciphertext []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, ciphertext, nil)
	if err != nil {
		return nil, engineerrors.InvalidPadding(err)
	}
	return key, nil
}

// padOrTruncateKey normalizes a decrypted symmetric key to exactly 32 bytes:
// short keys are right-padded with zero bytes, long keys are truncated.
func padOrTruncateKey(key []byte) []byte {
	if len(key) == symmetricKeySize {
		return key
	}
	out := make([]byte, symmetricKeySize)
	copy(out, key)
	return out
}

// DecryptInteraction implements the full hybrid decryption pipeline: Base64
// decode the RSA-encrypted AES key, OAEP-decrypt it, Base64 decode the secure
// message (IV || ciphertext), AES-256-CFB decrypt, and return UTF-8 text.
func (k *KeyPair) DecryptInteraction(encryptedAESKeyB64, secureMessageB64 string) (string, error) {
	encryptedKey, err := base64.StdEncoding.DecodeString(encryptedAESKeyB64)
	if err != nil {
		return "", engineerrors.Wrap(engineerrors.ErrCodeInvalidPadding, "AES key is not valid base64", err)
	}

	rawKey, err := k.DecryptAESKey(encryptedKey)
	if err != nil {
		return "", err
	}
	key := padOrTruncateKey(rawKey)

	secureMessage, err := base64.StdEncoding.DecodeString(secureMessageB64)
	if err != nil {
		return "", engineerrors.Wrap(engineerrors.ErrCodeInvalidPadding, "secure message is not valid base64", err)
	}
	if len(secureMessage) < aesIVSize {
		return "", engineerrors.InvalidKeyLength(len(secureMessage))
	}

	iv := secureMessage[:aesIVSize]
	ciphertext := secureMessage[aesIVSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", engineerrors.Wrap(engineerrors.ErrCodeInvalidKeyLength, "failed to construct AES cipher", err)
	}

	plaintext := make([]byte, len(ciphertext))
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plaintext, ciphertext)

	if !utf8.Valid(plaintext) {
		return "", engineerrors.InvalidUTF8(errPlaintextNotUTF8)
	}
	return string(plaintext), nil
}

var errPlaintextNotUTF8 = invalidUTF8Error{}

type invalidUTF8Error struct{}

func (invalidUTF8Error) Error() string { return "decrypted plaintext contains invalid UTF-8" }

const (
	alphaNumAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	alphaOnlyAlphabet = "abcdefghijklmnopqrstuvwxyz"
)

// GenerateRandomID returns a CSPRNG-backed random string of the given length,
// drawn uniformly from a 36-character alphanumeric alphabet, or a 26-letter
// alphabet when lettersOnly is set. Used to mint correlation IDs and secret
// keys. Length 0 returns the empty string.
func GenerateRandomID(length int, lettersOnly bool) (string, error) {
	if length <= 0 {
		return "", nil
	}

	alphabet := alphaNumAlphabet
	if lettersOnly {
		alphabet = alphaOnlyAlphabet
	}

	out := make([]byte, length)
	for i := range out {
		idx, err := randomIndex(len(alphabet))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx]
	}
	return string(out), nil
}

// randomIndex returns a uniformly distributed index in [0, n) using
// rejection sampling over a CSPRNG byte stream, avoiding modulo bias.
func randomIndex(n int) (int, error) {
	if n <= 0 || n > 256 {
		panic("randomIndex: alphabet size out of range")
	}
	max := 256 - (256 % n)
	buf := make([]byte, 1)
	for {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		if int(buf[0]) < max {
			return int(buf[0]) % n, nil
		}
	}
}
