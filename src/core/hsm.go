package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"sync"

	"github.com/kryptonchain/bisq/src/witness"
	"github.com/miekg/pkcs11"
)

// ErrHSMKeyNotFound is returned when no key with the configured label exists on the token
var ErrHSMKeyNotFound = errors.New("HSM key not found")

// pkcs11Context is the subset of *pkcs11.Ctx used by the HSM signer
type pkcs11Context interface {
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

var _ pkcs11Context = (*pkcs11.Ctx)(nil)

// HSMSigner signs witnesses with a P-256 key held in a PKCS#11 token. It produces
// plain scheme signatures, so the node acts as a trader.
type HSMSigner struct {
	ctx     pkcs11Context
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	pubKey  []byte

	// a PKCS#11 session runs one operation at a time
	mu sync.Mutex
}

// OpenHSMSigner loads the PKCS#11 module and logs in to the first slot with a token
func OpenHSMSigner(modulePath, pin, keyLabel string) (*HSMSigner, error) {
	p := pkcs11.New(modulePath)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", modulePath)
	}
	return newHSMSigner(p, pin, keyLabel)
}

func newHSMSigner(p pkcs11Context, pin, keyLabel string) (*HSMSigner, error) {
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("failed to initialize PKCS#11: %w", err)
	}

	slots, err := p.GetSlotList(true)
	if err == nil && len(slots) == 0 {
		err = errors.New("no slot with a token present")
	}
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("failed to list PKCS#11 slots: %w", err)
	}

	session, err := p.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}

	s := &HSMSigner{ctx: p, session: session}
	if err := p.Login(session, pkcs11.CKU_USER, pin); err != nil {
		s.teardown(false)
		return nil, fmt.Errorf("failed to log in to token: %w", err)
	}

	if s.key, err = s.findObject(pkcs11.CKO_PRIVATE_KEY, keyLabel); err != nil {
		s.teardown(true)
		return nil, err
	}
	pubHandle, err := s.findObject(pkcs11.CKO_PUBLIC_KEY, keyLabel)
	if err != nil {
		s.teardown(true)
		return nil, err
	}
	if s.pubKey, err = s.readECPoint(pubHandle); err != nil {
		s.teardown(true)
		return nil, err
	}

	logger.Info("Opened HSM signer", "keyLabel", keyLabel, "slot", slots[0])
	return s, nil
}

func (s *HSMSigner) findObject(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, fmt.Errorf("failed to search token: %w", err)
	}
	objects, _, err := s.ctx.FindObjects(s.session, 1)
	if finalErr := s.ctx.FindObjectsFinal(s.session); err == nil {
		err = finalErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to search token: %w", err)
	}
	if len(objects) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrHSMKeyNotFound, label)
	}
	return objects[0], nil
}

// readECPoint returns the uncompressed P-256 point of a public key object. Tokens
// return CKA_EC_POINT as a DER OCTET STRING; some return the bare point.
func (s *HSMSigner) readECPoint(obj pkcs11.ObjectHandle) ([]byte, error) {
	attrs, err := s.ctx.GetAttributeValue(s.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if len(attrs) == 0 {
		return nil, errors.New("token returned no EC point")
	}

	point := attrs[0].Value
	var unwrapped []byte
	if rest, err := asn1.Unmarshal(point, &unwrapped); err == nil && len(rest) == 0 {
		if _, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), unwrapped); err == nil {
			return unwrapped, nil
		}
	}
	if _, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point); err != nil {
		return nil, fmt.Errorf("HSM key is not a P-256 key: %w", err)
	}
	return point, nil
}

// Scheme implements witness.Signer
func (s *HSMSigner) Scheme() witness.Scheme { return witness.SchemePlain }

// PublicKey implements witness.Signer
func (s *HSMSigner) PublicKey() []byte { return s.pubKey }

// Sign signs the SHA-256 digest of message with CKM_ECDSA, which yields r || s
func (s *HSMSigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)

	s.mu.Lock()
	defer s.mu.Unlock()

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := s.ctx.SignInit(s.session, mechanism, s.key); err != nil {
		return nil, fmt.Errorf("failed to start HSM signature: %w", err)
	}
	sig, err := s.ctx.Sign(s.session, digest[:])
	if err != nil {
		return nil, fmt.Errorf("HSM signature failed: %w", err)
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("unexpected HSM signature length %d", len(sig))
	}
	return sig, nil
}

// Close logs out and unloads the module
func (s *HSMSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown(true)
}

func (s *HSMSigner) teardown(loggedIn bool) {
	if loggedIn {
		s.ctx.Logout(s.session)
	}
	s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
}
