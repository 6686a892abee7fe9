package tlsmgr

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"os"
)

// LoadBundle builds a certificate from PEM files holding the chain and key
// in any order. The first private key found wins.
func LoadBundle(files []string) (tls.Certificate, error) {
	var certPEM, keyPEM []byte
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return tls.Certificate{}, err
		}
		for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
			switch block.Type {
			case "CERTIFICATE":
				certPEM = append(certPEM, pem.EncodeToMemory(block)...)
			case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
				if keyPEM == nil {
					keyPEM = pem.EncodeToMemory(block)
				}
			}
		}
	}
	if certPEM == nil {
		return tls.Certificate{}, errors.New("no certificates found in tls bundle")
	}
	if keyPEM == nil {
		return tls.Certificate{}, errors.New("no private key found in tls bundle")
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}
