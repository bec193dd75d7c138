package patch

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	"golang.org/x/crypto/ssh"
)

const pgpArmorHeader = "-----BEGIN PGP PUBLIC KEY BLOCK-----"

// KeyFingerprint returns the lowercase hex SHA-512 of a public key, the form
// used in the trusted key set.
func KeyFingerprint(publicKey []byte) string {
	sum := sha512.Sum512(bytes.TrimSpace(publicKey))
	return hex.EncodeToString(sum[:])
}

// Verifier authenticates signed packages against a fixed set of trusted
// public key fingerprints.
type Verifier struct {
	trusted map[string]struct{}
}

// NewVerifier creates a verifier trusting the given key fingerprints.
func NewVerifier(fingerprints []string) *Verifier {
	trusted := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		trusted[strings.ToLower(strings.TrimSpace(fp))] = struct{}{}
	}
	return &Verifier{trusted: trusted}
}

// Open verifies the package signature and returns the decoded contents.
// Contents are never parsed before the signature has been checked.
func (v *Verifier) Open(signed *SignedPackage) (*UpdatePackage, error) {
	if signed == nil {
		return nil, fmt.Errorf("%w: nil signed package", ErrInvalidPackage)
	}

	fp := KeyFingerprint(signed.PublicKey)
	if _, ok := v.trusted[fp]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedKey, fp)
	}

	var err error
	if bytes.HasPrefix(bytes.TrimSpace(signed.PublicKey), []byte(pgpArmorHeader)) {
		err = verifyPGP(signed)
	} else {
		err = verifySSH(signed)
	}
	if err != nil {
		return nil, err
	}

	return DecodePackage(signed.Contents)
}

// verifySSH checks a raw Ed25519 signature made by an authorized_keys style
// ssh-ed25519 public key.
func verifySSH(signed *SignedPackage) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(signed.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrBadSignature, err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		return fmt.Errorf("%w: unsupported key type %s", ErrBadSignature, pub.Type())
	}

	sig := &ssh.Signature{Format: ssh.KeyAlgoED25519, Blob: signed.Signature}
	if err := pub.Verify(signed.Contents, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// verifyPGP checks a detached OpenPGP signature, armored or binary.
func verifyPGP(signed *SignedPackage) error {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(signed.PublicKey))
	if err != nil {
		return fmt.Errorf("%w: read keyring: %v", ErrBadSignature, err)
	}

	// Try armored signature first
	_, err = openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(signed.Contents), bytes.NewReader(signed.Signature), nil)
	if err == nil {
		return nil
	}

	// Fall back to binary signature
	_, err = openpgp.CheckDetachedSignature(keyring, bytes.NewReader(signed.Contents), bytes.NewReader(signed.Signature), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
