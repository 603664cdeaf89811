package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/tlsession/internal/certinfo"
	"github.com/polisai/tlsession/pkg/engine/gotls"
)

type certOptions struct {
	commonName string
	org        string
	dnsNames   string
	ips        string
	validFor   time.Duration
	keySize    int
	isCA       bool
	client     bool
	caCert     string
	caKey      string
	outputDir  string
	name       string
}

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and inspect certificates",
	}
	cmd.AddCommand(newCertGenerateCmd(), newCertInspectCmd())
	return cmd
}

func newCertGenerateCmd() *cobra.Command {
	var o certOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a certificate and key for testing",
		Long: `Generate an RSA key and certificate, self-signed or signed by the CA
given with --ca-cert and --ca-key. Files are written as NAME.crt and
NAME.key in the output directory.

Example:
  tlsctl cert generate --ca --cn "Test CA" --name ca
  tlsctl cert generate --cn localhost --dns localhost --ips 127.0.0.1 --ca-cert ca.crt --ca-key ca.key --name server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			certFile, keyFile, err := generateCert(o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nPrivate key: %s\n", certFile, keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.commonName, "cn", "localhost", "Common name for the certificate")
	cmd.Flags().StringVar(&o.org, "org", "", "Organization name")
	cmd.Flags().StringVar(&o.dnsNames, "dns", "", "Comma-separated list of DNS names (SANs)")
	cmd.Flags().StringVar(&o.ips, "ips", "", "Comma-separated list of IP addresses")
	cmd.Flags().DurationVar(&o.validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().IntVar(&o.keySize, "key-size", 2048, "RSA key size in bits")
	cmd.Flags().BoolVar(&o.isCA, "ca", false, "Generate a CA certificate")
	cmd.Flags().BoolVar(&o.client, "client", false, "Generate a client authentication certificate")
	cmd.Flags().StringVar(&o.caCert, "ca-cert", "", "CA certificate to sign with")
	cmd.Flags().StringVar(&o.caKey, "ca-key", "", "CA private key to sign with")
	cmd.Flags().StringVarP(&o.outputDir, "output-dir", "o", ".", "Output directory")
	cmd.Flags().StringVar(&o.name, "name", "cert", "Base name of the output files")
	cmd.MarkFlagsRequiredTogether("ca-cert", "ca-key")

	return cmd
}

func newCertInspectCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Show certificate details, chain order and expiry",
		Long: `Show details for PEM certificate files. The first certificate in a file
is the leaf; any that follow must form its chain in order. The command fails
when a certificate is expired, not yet valid or out of chain order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported format %q (text or json)", format)
			}
			var invalid []string
			reports := make([]*certinfo.Report, 0, len(args))
			for _, path := range args {
				r, err := certinfo.InspectFile(path, time.Now())
				if err != nil {
					return err
				}
				if !r.Status.Valid {
					invalid = append(invalid, path)
				}
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for i, r := range reports {
					if i > 0 {
						fmt.Fprintln(out)
					}
					if err := r.WriteText(out); err != nil {
						return err
					}
				}
			}
			if len(invalid) > 0 {
				return fmt.Errorf("invalid certificate: %s", strings.Join(invalid, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func generateCert(o certOptions) (string, string, error) {
	opts := gotls.CertificateOptions{
		CommonName:   o.commonName,
		DNSNames:     splitList(o.dnsNames),
		ValidFor:     o.validFor,
		KeySize:      o.keySize,
		IsCA:         o.isCA,
		IsClientCert: o.client,
	}
	if o.org != "" {
		opts.Organization = []string{o.org}
	}
	for _, s := range splitList(o.ips) {
		ip := net.ParseIP(s)
		if ip == nil {
			return "", "", fmt.Errorf("invalid IP address %q", s)
		}
		opts.IPAddresses = append(opts.IPAddresses, ip)
	}

	if o.caCert != "" {
		certPEM, err := os.ReadFile(o.caCert)
		if err != nil {
			return "", "", fmt.Errorf("read CA certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(o.caKey)
		if err != nil {
			return "", "", fmt.Errorf("read CA key: %w", err)
		}
		if opts.Parent, err = gotls.ParseCertificateAuthority(certPEM, keyPEM); err != nil {
			return "", "", err
		}
	}

	certPEM, keyPEM, err := gotls.GenerateCertificate(opts)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output directory: %w", err)
	}
	certFile := filepath.Join(o.outputDir, o.name+".crt")
	keyFile := filepath.Join(o.outputDir, o.name+".key")
	if err := gotls.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
