package tlsmgr

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureLocalServerCertIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := EnsureLocalServerCert(t.Context(), dir, "jit.example.test", nil)
	if err != nil {
		t.Fatalf("EnsureLocalServerCert: %v", err)
	}
	second, err := EnsureLocalServerCert(t.Context(), dir, "jit.example.test", nil)
	if err != nil {
		t.Fatalf("EnsureLocalServerCert (reload): %v", err)
	}
	if !bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatalf("expected the existing certificate to be reused")
	}

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	roots, err := LoadLocalCARoots(dir)
	if err != nil {
		t.Fatalf("LoadLocalCARoots: %v", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "jit.example.test", Roots: roots}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, caKeyFilename))
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("ca key mode = %v, %v", info, err)
	}
}

func TestBuildServerTLSConfigModes(t *testing.T) {
	dir := t.TempDir()
	cfg, err := BuildServerTLSConfig(t.Context(), Config{Mode: ModeOff}, nil)
	if err != nil || cfg != nil {
		t.Fatalf("off = %v, %v", cfg, err)
	}
	cfg, err = BuildServerTLSConfig(t.Context(), Config{Dir: dir}, nil)
	if err != nil || len(cfg.Certificates) != 1 {
		t.Fatalf("auto = %v, %v", cfg, err)
	}
	if _, err := BuildServerTLSConfig(t.Context(), Config{Mode: ModeACME}, nil); err == nil {
		t.Fatalf("expected acme without hostname to fail")
	}
	if _, err := BuildServerTLSConfig(t.Context(), Config{Mode: "bogus"}, nil); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureLocalServerCert(t.Context(), dir, "", nil); err != nil {
		t.Fatalf("EnsureLocalServerCert: %v", err)
	}
	certPath := filepath.Join(dir, serverCertFilename)
	keyPath := filepath.Join(dir, serverKeyFilename)

	if _, err := LoadBundle([]string{keyPath, certPath}); err != nil {
		t.Fatalf("LoadBundle (split files): %v", err)
	}

	certPEM, _ := os.ReadFile(certPath)
	keyPEM, _ := os.ReadFile(keyPath)
	combined := filepath.Join(dir, "bundle.pem")
	if err := os.WriteFile(combined, append(certPEM, keyPEM...), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadBundle([]string{combined}); err != nil {
		t.Fatalf("LoadBundle (combined): %v", err)
	}
	if _, err := LoadBundle([]string{certPath}); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestExportCA(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := ExportCA(dir, &buf); err == nil {
		t.Fatalf("expected error before the ca exists")
	}
	if _, err := EnsureLocalServerCert(t.Context(), dir, "", nil); err != nil {
		t.Fatalf("EnsureLocalServerCert: %v", err)
	}
	if err := ExportCA(dir, &buf); err != nil {
		t.Fatalf("ExportCA: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("-----BEGIN CERTIFICATE-----")) {
		t.Fatalf("unexpected export %q", buf.String())
	}
}
