package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// AnyGrantee in a certificate's grantee list admits every writer.
const AnyGrantee = "*"

// ErrInvalidCertificate is returned when a certificate does not authorize a write.
var ErrInvalidCertificate = errors.New("crypto: invalid certificate")

// Certificate is a signed capability: Issuer lets Grantees write to paths
// under the issuer's namespace that match Pattern (path.Match syntax,
// relative to the namespace root) until Expires (unix ms, 0 = never).
type Certificate struct {
	Issuer    string   `json:"issuer"`
	Grantees  []string `json:"grantees"`
	Pattern   string   `json:"pattern"`
	Expires   int64    `json:"expires,omitempty"`
	Signature string   `json:"sig"`
}

// IssueCertificate signs a capability and returns its JSON encoding.
func IssueCertificate(privateKey ed25519.PrivateKey, grantees []string, pattern string, expires int64) (string, error) {
	if len(grantees) == 0 {
		return "", errors.New("at least one grantee is required")
	}
	if strings.TrimSpace(pattern) == "" {
		return "", errors.New("pattern is required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	cert := Certificate{
		Issuer:   EncodeIdentityKey(privateKey.Public().(ed25519.PublicKey)),
		Grantees: append([]string(nil), grantees...),
		Pattern:  pattern,
		Expires:  expires,
	}
	signature, err := SignDetached(privateKey, cert.signingBytes())
	if err != nil {
		return "", fmt.Errorf("sign certificate: %w", err)
	}
	cert.Signature = signature

	raw, err := json.Marshal(cert)
	if err != nil {
		return "", fmt.Errorf("encode certificate: %w", err)
	}
	return string(raw), nil
}

// ParseCertificate decodes a certificate without verifying it.
func ParseCertificate(raw string) (*Certificate, error) {
	var cert Certificate
	if err := json.Unmarshal([]byte(raw), &cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return &cert, nil
}

// VerifyCertificate checks that raw authorizes writer to write relPath inside owner's namespace.
func VerifyCertificate(raw, owner, writer, relPath string, now time.Time) error {
	cert, err := ParseCertificate(raw)
	if err != nil {
		return err
	}
	if cert.Issuer != owner {
		return fmt.Errorf("%w: issued by %s, not namespace owner", ErrInvalidCertificate, cert.Issuer)
	}

	if err := VerifyDetached(cert.Issuer, cert.signingBytes(), cert.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if cert.Expires > 0 && now.UnixMilli() > cert.Expires {
		return fmt.Errorf("%w: expired", ErrInvalidCertificate)
	}
	if !cert.grants(writer) {
		return fmt.Errorf("%w: %s is not a grantee", ErrInvalidCertificate, writer)
	}
	matched, err := path.Match(cert.Pattern, relPath)
	if err != nil || !matched {
		return fmt.Errorf("%w: path %q outside %q", ErrInvalidCertificate, relPath, cert.Pattern)
	}

	return nil
}

func (c *Certificate) grants(writer string) bool {
	for _, grantee := range c.Grantees {
		if grantee == AnyGrantee || grantee == writer {
			return true
		}
	}
	return false
}

func (c *Certificate) signingBytes() []byte {
	var b strings.Builder
	b.WriteString(c.Issuer)
	b.WriteByte('\n')
	b.WriteString(strings.Join(c.Grantees, ","))
	b.WriteByte('\n')
	b.WriteString(c.Pattern)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(c.Expires, 10))
	return []byte(b.String())
}

// Certifier issues certificates signed by one identity key.
type Certifier struct {
	privateKey ed25519.PrivateKey
}

// NewCertifier returns a Certifier for privateKey.
func NewCertifier(privateKey ed25519.PrivateKey) *Certifier {
	return &Certifier{privateKey: privateKey}
}

// Issue signs a certificate for grantees over pattern.
func (c *Certifier) Issue(grantees []string, pattern string, expires int64) (string, error) {
	return IssueCertificate(c.privateKey, grantees, pattern, expires)
}
