package witness

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Scheme selects how a witness signature is verified.
type Scheme int

const (
	// SchemePlain is a detached ECDSA P-256 signature over SHA-256 of the message,
	// encoded as 64 bytes r||s. Used by traders.
	SchemePlain Scheme = iota
	// SchemeRecoverable is a Bitcoin signed-message signature over secp256k1, encoded
	// as base64 text of header||r||s. Used by arbitrators.
	SchemeRecoverable
)

func (s Scheme) String() string {
	switch s {
	case SchemePlain:
		return "plain"
	case SchemeRecoverable:
		return "recoverable"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

const (
	plainSignatureSize   = 64
	compactSignatureSize = 65
	bitcoinMessageMagic  = "Bitcoin Signed Message:\n"
)

// Verify reports whether signature is a valid signature of message by pubKey under
// the given scheme. Malformed input yields false.
func Verify(scheme Scheme, pubKey, message, signature []byte) bool {
	switch scheme {
	case SchemePlain:
		return verifyPlain(pubKey, message, signature)
	case SchemeRecoverable:
		return verifyRecoverable(pubKey, message, signature)
	default:
		return false
	}
}

// VerifyWitness checks a signed witness signature with the scheme its root flag selects.
func VerifyWitness(sw SignedWitness) bool {
	return Verify(sw.Scheme(), sw.SignerPubKey, sw.Message(), sw.Signature)
}

// verifyPlain verifies an ECDSA P-256 signature
// pubKey: uncompressed public key (65 bytes: 0x04 || X || Y)
// signature: 64 bytes r || s, each padded to 32 bytes
func verifyPlain(pubKey, message, signature []byte) bool {
	if len(signature) != plainSignatureSize {
		return false
	}
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), pubKey)
	if err != nil {
		return false
	}

	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	hash := sha256.Sum256(message)
	return ecdsa.Verify(pub, hash[:], r, s)
}

func verifyRecoverable(pubKey, message, signature []byte) bool {
	compact, err := base64.StdEncoding.DecodeString(string(signature))
	if err != nil || len(compact) != compactSignatureSize {
		return false
	}
	header := compact[0]
	if header < 27 || header > 34 {
		return false
	}

	// go-ethereum expects r || s || v with v as the bare recovery id
	sig := make([]byte, compactSignatureSize)
	copy(sig, compact[1:])
	sig[64] = (header - 27) & 3

	recovered, err := crypto.SigToPub(bitcoinMessageHash(message), sig)
	if err != nil {
		return false
	}
	expected, err := parseSecp256k1PubKey(pubKey)
	if err != nil {
		return false
	}
	return bytes.Equal(crypto.FromECDSAPub(recovered), crypto.FromECDSAPub(expected))
}

func parseSecp256k1PubKey(pubKey []byte) (*ecdsa.PublicKey, error) {
	switch len(pubKey) {
	case 33:
		return crypto.DecompressPubkey(pubKey)
	case 65:
		return crypto.UnmarshalPubkey(pubKey)
	default:
		return nil, fmt.Errorf("invalid secp256k1 public key length %d", len(pubKey))
	}
}

// bitcoinMessageHash is double SHA-256 over the magic-prefixed, length-prefixed message.
func bitcoinMessageHash(message []byte) []byte {
	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(bitcoinMessageMagic)))
	buf.WriteString(bitcoinMessageMagic)
	writeVarInt(&buf, uint64(len(message)))
	buf.Write(message)

	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	var b [9]byte
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		buf.Write(b[:3])
	case n <= 0xffffffff:
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		buf.Write(b[:5])
	default:
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		buf.Write(b[:9])
	}
}

// signPlain signs message with a P-256 key, returning 64 bytes r || s.
func signPlain(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)

	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	if err != nil {
		return nil, err
	}

	// Pad r and s to 32 bytes each for P-256 (64 bytes total)
	signature := make([]byte, plainSignatureSize)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):64], sBytes)

	return signature, nil
}

// signRecoverable produces the base64 Bitcoin signed-message signature for a
// compressed secp256k1 key.
func signRecoverable(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(bitcoinMessageHash(message), key)
	if err != nil {
		return nil, err
	}
	compact := make([]byte, compactSignatureSize)
	compact[0] = 27 + 4 + sig[64]
	copy(compact[1:], sig[:64])
	return []byte(base64.StdEncoding.EncodeToString(compact)), nil
}
