package tlsmgr

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	caCertFilename     = "ca.pem"
	caKeyFilename      = "ca.key"
	serverCertFilename = "server.pem"
	serverKeyFilename  = "server.key"
)

// EnsureLocalServerCert loads the server certificate under dir, issuing it
// (and the local CA, if missing) on first use.
func EnsureLocalServerCert(ctx context.Context, dir, hostname string, logger pslog.Logger) (tls.Certificate, error) {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, err
	}
	if !pairExists(dir, serverCertFilename, serverKeyFilename) {
		if !pairExists(dir, caCertFilename, caKeyFilename) {
			if err := generateCA(dir); err != nil {
				return tls.Certificate{}, err
			}
			logger.Info("generated local ca", "cert", filepath.Join(dir, caCertFilename))
		}
		if err := ctx.Err(); err != nil {
			return tls.Certificate{}, err
		}
		if err := generateServerCert(dir, hostname); err != nil {
			return tls.Certificate{}, err
		}
		logger.Info("generated server cert", "cert", filepath.Join(dir, serverCertFilename), "hostname", hostname)
	}
	return tls.LoadX509KeyPair(filepath.Join(dir, serverCertFilename), filepath.Join(dir, serverKeyFilename))
}

// ExportCA writes the local CA certificate to w.
func ExportCA(dir string, w io.Writer) error {
	data, err := os.ReadFile(filepath.Join(dir, caCertFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("ca cert not found in %s: %w", dir, err)
		}
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadLocalCARoots returns the system pool extended with the local CA under
// dir. A missing CA is not an error.
func LoadLocalCARoots(dir string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(filepath.Join(dir, caCertFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pool, nil
		}
		return nil, err
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("failed to parse ca cert")
	}
	return pool, nil
}

func generateCA(dir string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	tmpl, err := template("jitterm local CA", 10)
	if err != nil {
		return err
	}
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLenZero = true
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	return writePair(dir, caCertFilename, caKeyFilename, der, key)
}

func generateServerCert(dir, hostname string) error {
	caCert, caKey, err := loadCA(dir)
	if err != nil {
		return err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	hostname = strings.TrimSpace(hostname)
	commonName := hostname
	if commonName == "" {
		commonName = "localhost"
	}
	tmpl, err := template(commonName, 2)
	if err != nil {
		return err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	switch ip := net.ParseIP(hostname); {
	case hostname == "":
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	case ip != nil:
		tmpl.IPAddresses = []net.IP{ip}
	default:
		tmpl.DNSNames = []string{hostname}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return err
	}
	return writePair(dir, serverCertFilename, serverKeyFilename, der, key)
}

func template(commonName string, years int) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(years, 0, 0),
	}, nil
}

func loadCA(dir string) (*x509.Certificate, crypto.Signer, error) {
	pair, err := tls.LoadX509KeyPair(filepath.Join(dir, caCertFilename), filepath.Join(dir, caKeyFilename))
	if err != nil {
		return nil, nil, fmt.Errorf("load local ca: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, err
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("local ca key cannot sign")
	}
	return cert, signer, nil
}

func writePair(dir, certName, keyName string, der []byte, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := writePEM(filepath.Join(dir, keyName), "PRIVATE KEY", keyDER); err != nil {
		return err
	}
	return writePEM(filepath.Join(dir, certName), "CERTIFICATE", der)
}

func writePEM(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, 0o600)
}

func pairExists(dir, certName, keyName string) bool {
	for _, name := range []string{certName, keyName} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}
