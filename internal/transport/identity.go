package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Identity is the server's DTLS certificate. Clients pin its SHA-256
// fingerprint instead of validating a CA chain.
type Identity struct {
	cert        webrtc.Certificate
	fingerprint [32]byte
}

// NewIdentity generates a fresh ECDSA P-256 certificate identity.
func NewIdentity() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}

	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generating DTLS certificate: %w", err)
	}

	fingerprint, err := certificateFingerprint(cert)
	if err != nil {
		return nil, err
	}

	return &Identity{cert: *cert, fingerprint: fingerprint}, nil
}

// Certificate returns the webrtc certificate for peer connection config.
func (id *Identity) Certificate() webrtc.Certificate {
	return id.cert
}

// Fingerprint returns the pinnable SHA-256 digest of the certificate.
func (id *Identity) Fingerprint() [32]byte {
	return id.fingerprint
}

// FingerprintHex returns the fingerprint as lowercase hex, the form the
// management API publishes for client provisioning.
func (id *Identity) FingerprintHex() string {
	return hex.EncodeToString(id.fingerprint[:])
}

func certificateFingerprint(cert *webrtc.Certificate) ([32]byte, error) {
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return [32]byte{}, fmt.Errorf("reading certificate fingerprints: %w", err)
	}
	for _, fp := range fingerprints {
		if strings.EqualFold(fp.Algorithm, "sha-256") {
			return decodeFingerprint(fp.Value)
		}
	}
	return [32]byte{}, fmt.Errorf("certificate has no sha-256 fingerprint")
}

// ParseFingerprintHex decodes a 64-character hex fingerprint as produced
// by FingerprintHex.
func ParseFingerprintHex(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("decoding fingerprint: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("fingerprint is %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}

// fingerprintFromSDP extracts the sha-256 DTLS fingerprint advertised in a
// session description. The attribute has the form
// "a=fingerprint:sha-256 AA:BB:...".
func fingerprintFromSDP(sdp string) ([32]byte, error) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		value, found := strings.CutPrefix(line, "a=fingerprint:")
		if !found {
			continue
		}
		algorithm, digest, ok := strings.Cut(value, " ")
		if !ok || !strings.EqualFold(algorithm, "sha-256") {
			continue
		}
		return decodeFingerprint(digest)
	}
	return [32]byte{}, fmt.Errorf("session description carries no sha-256 fingerprint")
}

func decodeFingerprint(colonHex string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(colonHex), ":", ""))
	if err != nil {
		return out, fmt.Errorf("decoding fingerprint %q: %w", colonHex, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("fingerprint is %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}
