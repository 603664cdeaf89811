// Package certinfo reports on PEM certificates handed to tlsession through
// cert_file or cert_mem: identity, key strength, chain order and expiry.
package certinfo

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ExpiryWarning is how close to NotAfter a certificate draws a warning.
const ExpiryWarning = 30 * 24 * time.Hour

const minRSABits = 2048

// Report describes the leaf certificate of a PEM bundle and the chain that
// follows it.
type Report struct {
	Source             string       `json:"source,omitempty"`
	Subject            string       `json:"subject"`
	Issuer             string       `json:"issuer"`
	SerialNumber       string       `json:"serialNumber"`
	NotBefore          time.Time    `json:"notBefore"`
	NotAfter           time.Time    `json:"notAfter"`
	DNSNames           []string     `json:"dnsNames,omitempty"`
	IPAddresses        []string     `json:"ipAddresses,omitempty"`
	SignatureAlgorithm string       `json:"signatureAlgorithm"`
	PublicKeyAlgorithm string       `json:"publicKeyAlgorithm"`
	KeySize            int          `json:"keySize"`
	IsCA               bool         `json:"isCA"`
	KeyUsage           []string     `json:"keyUsage,omitempty"`
	ExtKeyUsage        []string     `json:"extKeyUsage,omitempty"`
	Chain              []ChainEntry `json:"chain,omitempty"`
	Status             Status       `json:"status"`
}

// ChainEntry is one certificate after the leaf.
type ChainEntry struct {
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer"`
	NotAfter time.Time `json:"notAfter"`
}

// Status holds the checks run against the bundle.
type Status struct {
	Valid         bool     `json:"valid"`
	Expired       bool     `json:"expired"`
	NotYetValid   bool     `json:"notYetValid"`
	SelfSigned    bool     `json:"selfSigned"`
	ChainValid    bool     `json:"chainValid"`
	ExpiresInDays int      `json:"expiresInDays"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// InspectFile reads path and inspects it as of now.
func InspectFile(path string, now time.Time) (*Report, error) {
	//nolint:gosec // Certificate path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}
	r, err := Inspect(data, now)
	if err != nil {
		return nil, err
	}
	r.Source = path
	return r, nil
}

// Inspect parses every CERTIFICATE block in data. The first is the leaf;
// the rest must each sign the one before.
func Inspect(data []byte, now time.Time) (*Report, error) {
	var certs []*x509.Certificate
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found")
	}

	leaf := certs[0]
	r := &Report{
		Subject:            leaf.Subject.String(),
		Issuer:             leaf.Issuer.String(),
		SerialNumber:       leaf.SerialNumber.String(),
		NotBefore:          leaf.NotBefore,
		NotAfter:           leaf.NotAfter,
		DNSNames:           leaf.DNSNames,
		SignatureAlgorithm: leaf.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: leaf.PublicKeyAlgorithm.String(),
		KeySize:            keySize(leaf.PublicKey),
		IsCA:               leaf.IsCA,
		KeyUsage:           keyUsage(leaf.KeyUsage),
		ExtKeyUsage:        extKeyUsage(leaf.ExtKeyUsage),
	}
	for _, ip := range leaf.IPAddresses {
		r.IPAddresses = append(r.IPAddresses, ip.String())
	}
	for _, c := range certs[1:] {
		r.Chain = append(r.Chain, ChainEntry{Subject: c.Subject.String(), Issuer: c.Issuer.String(), NotAfter: c.NotAfter})
	}
	r.Status = check(certs, now)
	return r, nil
}

func check(certs []*x509.Certificate, now time.Time) Status {
	leaf := certs[0]
	st := Status{Valid: true, ChainValid: true}

	switch {
	case now.After(leaf.NotAfter):
		st.Expired = true
		st.Errors = append(st.Errors, fmt.Sprintf("certificate expired on %s", leaf.NotAfter.Format(time.RFC3339)))
	case now.Before(leaf.NotBefore):
		st.NotYetValid = true
		st.Errors = append(st.Errors, fmt.Sprintf("certificate is not valid before %s", leaf.NotBefore.Format(time.RFC3339)))
	default:
		left := leaf.NotAfter.Sub(now)
		st.ExpiresInDays = int(left.Hours() / 24)
		if left <= ExpiryWarning {
			st.Warnings = append(st.Warnings, fmt.Sprintf("certificate expires in %d days", st.ExpiresInDays))
		}
	}

	if _, ok := leaf.PublicKey.(*rsa.PublicKey); ok && keySize(leaf.PublicKey) < minRSABits {
		st.Warnings = append(st.Warnings, fmt.Sprintf("weak RSA key: %d bits", keySize(leaf.PublicKey)))
	}
	if strings.Contains(strings.ToLower(leaf.SignatureAlgorithm.String()), "sha1") {
		st.Warnings = append(st.Warnings, "SHA-1 signature")
	}
	if len(leaf.DNSNames) == 0 && len(leaf.IPAddresses) == 0 && !leaf.IsCA {
		st.Warnings = append(st.Warnings, "no subject alternative names; peers will not match the common name")
	}

	if len(certs) == 1 {
		st.SelfSigned = leaf.Subject.String() == leaf.Issuer.String() &&
			leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature) == nil
	}
	for i := 0; i+1 < len(certs); i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			st.ChainValid = false
			st.Errors = append(st.Errors, fmt.Sprintf("certificate %d is not signed by certificate %d: %v", i, i+1, err))
		}
	}

	st.Valid = len(st.Errors) == 0
	return st
}

func keySize(pub any) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsage(ku x509.KeyUsage) []string {
	var out []string
	for _, u := range keyUsageNames {
		if ku&u.bit != 0 {
			out = append(out, u.name)
		}
	}
	return out
}

func extKeyUsage(usages []x509.ExtKeyUsage) []string {
	var out []string
	for _, u := range usages {
		switch u {
		case x509.ExtKeyUsageServerAuth:
			out = append(out, "Server Authentication")
		case x509.ExtKeyUsageClientAuth:
			out = append(out, "Client Authentication")
		case x509.ExtKeyUsageCodeSigning:
			out = append(out, "Code Signing")
		case x509.ExtKeyUsageOCSPSigning:
			out = append(out, "OCSP Signing")
		default:
			out = append(out, fmt.Sprintf("Unknown (%d)", u))
		}
	}
	return out
}

// WriteText renders r for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	if r.Source != "" {
		fmt.Fprintf(&b, "File:          %s\n", r.Source)
	}
	fmt.Fprintf(&b, "Subject:       %s\n", r.Subject)
	fmt.Fprintf(&b, "Issuer:        %s\n", r.Issuer)
	fmt.Fprintf(&b, "Serial:        %s\n", r.SerialNumber)
	fmt.Fprintf(&b, "Valid:         %s to %s\n", r.NotBefore.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(&b, "Key:           %s %d bits\n", r.PublicKeyAlgorithm, r.KeySize)
	fmt.Fprintf(&b, "Signature:     %s\n", r.SignatureAlgorithm)
	fmt.Fprintf(&b, "CA:            %t\n", r.IsCA)
	if len(r.DNSNames) > 0 {
		fmt.Fprintf(&b, "DNS names:     %s\n", strings.Join(r.DNSNames, ", "))
	}
	if len(r.IPAddresses) > 0 {
		fmt.Fprintf(&b, "IP addresses:  %s\n", strings.Join(r.IPAddresses, ", "))
	}
	if len(r.KeyUsage) > 0 {
		fmt.Fprintf(&b, "Key usage:     %s\n", strings.Join(r.KeyUsage, ", "))
	}
	if len(r.ExtKeyUsage) > 0 {
		fmt.Fprintf(&b, "Ext key usage: %s\n", strings.Join(r.ExtKeyUsage, ", "))
	}
	for i, c := range r.Chain {
		fmt.Fprintf(&b, "Chain[%d]:      %s (issuer %s)\n", i+1, c.Subject, c.Issuer)
	}
	status := "OK"
	if !r.Status.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(&b, "Status:        %s\n", status)
	for _, e := range r.Status.Errors {
		fmt.Fprintf(&b, "  error:   %s\n", e)
	}
	for _, warn := range r.Status.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
