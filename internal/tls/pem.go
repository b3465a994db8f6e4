package tls

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	KeyAlgorithmRSA = "RSA"
	KeyAlgorithmEC  = "EC"
)

const pemTypeCertificate = "CERTIFICATE"

var privateKeyBlockTypes = map[string]struct{}{
	"PRIVATE KEY":     {},
	"RSA PRIVATE KEY": {},
	"EC PRIVATE KEY":  {},
}

// errWrongKeyAlgorithm marks a key that decoded but belongs to another
// algorithm. It is distinct from a decode failure.
var errWrongKeyAlgorithm = errors.New("key belongs to a different algorithm")

// keyDecoder is one tagged attempt in the private key decode chain.
type keyDecoder struct {
	algorithm string
	decode    func(der []byte) (crypto.Signer, error)
}

// keyDecoders are tried in order. RSA first, then EC.
var keyDecoders = []keyDecoder{
	{algorithm: KeyAlgorithmRSA, decode: decodeRSAKey},
	{algorithm: KeyAlgorithmEC, decode: decodeECKey},
}

// KeyAttempt records the result of one decoder.
type KeyAttempt struct {
	Algorithm string
	Err       error
}

// WrongAlgorithm reports whether the attempt failed only because the key is
// of another algorithm.
func (a KeyAttempt) WrongAlgorithm() bool {
	return errors.Is(a.Err, errWrongKeyAlgorithm)
}

// ParsedKey is a decoded private key and the decoder that accepted it.
type ParsedKey struct {
	Signer    crypto.Signer
	Algorithm string
	Attempts  []KeyAttempt
}

// ParseCertificatePEM decodes exactly one CERTIFICATE block. field names the
// input in error messages.
func ParseCertificatePEM(field, data string) (*x509.Certificate, error) {
	block, rest := pem.Decode([]byte(strings.TrimSpace(data)))
	if block == nil {
		return nil, NewCertificateParseError(field, "no PEM block found", nil)
	}
	if block.Type != pemTypeCertificate {
		return nil, NewCertificateParseError(field, fmt.Sprintf("unexpected PEM block type %q", block.Type), nil)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, NewCertificateParseError(field, "expected exactly one certificate block", nil)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewCertificateParseError(field, "invalid X.509 certificate", err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM decodes a single private key block. Legacy encrypted
// blocks are decrypted with passphrase; an empty passphrase means none.
// Each decoder in the chain is attempted until one accepts the key.
func ParsePrivateKeyPEM(data, passphrase string) (*ParsedKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(data)))
	if block == nil {
		return nil, NewPrivateKeyParseError("no PEM block found", nil)
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, NewPrivateKeyParseError("encrypted PKCS#8 keys are not supported", nil).
			WithSuggestion("Convert the key to an unencrypted PKCS#8 block or a legacy encrypted block")
	}
	if _, ok := privateKeyBlockTypes[block.Type]; !ok {
		return nil, NewPrivateKeyParseError(fmt.Sprintf("unexpected PEM block type %q", block.Type), nil)
	}

	der := block.Bytes
	//nolint:staticcheck // RFC 1423 encrypted blocks
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, NewPrivateKeyParseError("key block is encrypted and no passphrase was supplied", nil)
		}
		//nolint:staticcheck // RFC 1423 encrypted blocks
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, NewPrivateKeyParseError("failed to decrypt key block", err)
		}
		der = decrypted
	}

	parsed := &ParsedKey{}
	for _, decoder := range keyDecoders {
		signer, err := decoder.decode(der)
		parsed.Attempts = append(parsed.Attempts, KeyAttempt{Algorithm: decoder.algorithm, Err: err})
		if err == nil {
			parsed.Signer = signer
			parsed.Algorithm = decoder.algorithm
			return parsed, nil
		}
	}

	return nil, NewPrivateKeyParseError("key is neither RSA nor EC", joinAttempts(parsed.Attempts)).
		WithContext("attempts", describeAttempts(parsed.Attempts))
}

func decodeRSAKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		if rsaKey, pkcs1Err := x509.ParsePKCS1PrivateKey(der); pkcs1Err == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("decode RSA key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errWrongKeyAlgorithm, key)
	}
	return rsaKey, nil
}

func decodeECKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		if ecKey, sec1Err := x509.ParseECPrivateKey(der); sec1Err == nil {
			return ecKey, nil
		}
		return nil, fmt.Errorf("decode EC key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errWrongKeyAlgorithm, key)
	}
	return ecKey, nil
}

// KeyMatchesCertificate reports whether signer is the private half of cert's
// public key.
func KeyMatchesCertificate(signer crypto.Signer, cert *x509.Certificate) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := signer.Public().(equaler)
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}

func joinAttempts(attempts []KeyAttempt) error {
	errs := make([]error, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", attempt.Algorithm, attempt.Err))
		}
	}
	return errors.Join(errs...)
}

func describeAttempts(attempts []KeyAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, attempt := range attempts {
		outcome := "decode_failed"
		switch {
		case attempt.Err == nil:
			outcome = "ok"
		case attempt.WrongAlgorithm():
			outcome = "wrong_algorithm"
		}
		parts = append(parts, attempt.Algorithm+"="+outcome)
	}
	return strings.Join(parts, ",")
}
