package main

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "tlsctl", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, logLevelFlag)
	assert.Equal(t, "l", logLevelFlag.Shorthand)

	for _, name := range []string{"get", "echo", "protocols", "cert", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	get, _, err := cmd.Find([]string{"get"})
	require.NoError(t, err)
	assert.Equal(t, "443", get.Flags().Lookup("port").DefValue)
	assert.Equal(t, "/", get.Flags().Lookup("path").DefValue)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tlsctl version "+version+"\n", out)
}

func TestProtocolsCommand(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		want    string
		wantErr bool
	}{
		{name: "all without 1.0", expr: "all:!tlsv1.0", want: "tlsv1.1,tlsv1.2,tlsv1.3 (0x1c)\n"},
		{name: "secure", expr: "secure", want: "tlsv1.2,tlsv1.3 (0x18)\n"},
		{name: "single", expr: "tlsv1.2", want: "tlsv1.2 (0x08)\n"},
		{name: "unknown keyword", expr: "sslv3", wantErr: true},
		{name: "empty selection", expr: "tlsv1.2,-tlsv1.2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "protocols", tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestProtocolsRequiresExpression(t *testing.T) {
	_, err := execute(t, "protocols")
	assert.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}

func TestEchoCommandValidatesFlags(t *testing.T) {
	_, err := execute(t, "echo", "--watch")
	assert.ErrorContains(t, err, "watch requires a settings file")

	_, err = execute(t, "echo", "--settings", "server.yaml", "--handshake-rate", "-1")
	assert.ErrorContains(t, err, "handshake_rate")
}

func TestCertCommandSignsWithCA(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "cert", "generate", "--ca", "--cn", "Test CA", "--name", "ca", "--output-dir", dir, "--key-size", "1024")
	require.NoError(t, err)

	out, err := execute(t, "cert", "generate",
		"--cn", "localhost",
		"--dns", "localhost",
		"--ips", "127.0.0.1",
		"--ca-cert", filepath.Join(dir, "ca.crt"),
		"--ca-key", filepath.Join(dir, "ca.key"),
		"--name", "server",
		"--output-dir", dir,
		"--key-size", "1024",
	)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "server.crt"))

	info, err := os.Stat(filepath.Join(dir, "server.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(readFile(t, filepath.Join(dir, "ca.crt"))))
	block, _ := pem.Decode(readFile(t, filepath.Join(dir, "server.crt")))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	_, err = cert.Verify(x509.VerifyOptions{Roots: roots, DNSName: "localhost"})
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
}

func TestCertInspectCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "cert", "generate", "--cn", "svc.test", "--dns", "svc.test", "--name", "svc", "--output-dir", dir)
	require.NoError(t, err)
	certFile := filepath.Join(dir, "svc.crt")

	out, err := execute(t, "cert", "inspect", certFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Subject:       CN=svc.test")
	assert.Contains(t, out, "Status:        OK")

	out, err = execute(t, "cert", "inspect", "--format", "json", certFile)
	require.NoError(t, err)
	var reports []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "CN=svc.test", reports[0]["subject"])

	_, err = execute(t, "cert", "inspect", "--format", "xml", certFile)
	assert.ErrorContains(t, err, "unsupported format")
}

func TestCertCommandRejectsBadIP(t *testing.T) {
	_, err := execute(t, "cert", "generate", "--ips", "not-an-ip", "--output-dir", t.TempDir())
	assert.ErrorContains(t, err, "invalid IP address")
}

func TestGetCommand(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s host=%s", r.URL.Path, r.Host)
	}))
	defer srv.Close()

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o600))
	settingsFile := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(settingsFile, []byte("ca_file: "+caFile+"\nprotocols: secure\n"), 0o600))

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	out, err := execute(t, "get", "--host", host, "--port", port, "--path", "/status", "--settings", settingsFile, "--max-retries", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP/1.1 200 OK")
	assert.Contains(t, out, "path=/status host="+host)
}

func TestGetCommandRejectsUntrustedServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	_, err = execute(t, "get", "--host", host, "--port", port)
	assert.Error(t, err)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
