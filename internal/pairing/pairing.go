// Package pairing loads device pairing records from disk.
//
// A pairing record is the credential produced when a host pairs with a
// device. The rest of the stack treats it as an opaque token: it is loaded,
// structurally validated, and handed to the provider layer, which derives
// the transport identity from it. The pairing protocol that produced the
// record is not this package's concern.
package pairing

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"howett.net/plist"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// Record mirrors the on-disk property-list layout of a pairing record.
// Certificate and key fields hold PEM text as stored by the pairing daemon;
// raw DER is accepted too.
type Record struct {
	HostID            string `plist:"HostID"`
	SystemBUID        string `plist:"SystemBUID"`
	HostCertificate   []byte `plist:"HostCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	RootCertificate   []byte `plist:"RootCertificate"`
	WiFiMACAddress    string `plist:"WiFiMACAddress"`
	UDID              string `plist:"UDID"`
}

// Load reads and validates the pairing record at path. It never touches the
// network, so a bad path or corrupt file fails before any connection attempt.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errdefs.ErrCredential, path, err)
	}

	var rec Record
	if _, err := plist.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", errdefs.ErrCredential, path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate checks that the record carries everything the transport needs:
// a host identity, a parseable host certificate/key pair that has not
// expired, and the device certificate the transport pins against.
func (r *Record) Validate() error {
	for _, f := range []struct {
		name  string
		empty bool
	}{
		{"HostID", r.HostID == ""},
		{"HostCertificate", len(r.HostCertificate) == 0},
		{"HostPrivateKey", len(r.HostPrivateKey) == 0},
		{"DeviceCertificate", len(r.DeviceCertificate) == 0},
	} {
		if f.empty {
			return fmt.Errorf("%w: missing %s", errdefs.ErrCredential, f.name)
		}
	}

	hostCert, err := parseCertificate(r.HostCertificate)
	if err != nil {
		return fmt.Errorf("%w: host certificate: %v", errdefs.ErrCredential, err)
	}
	if now := time.Now(); now.After(hostCert.NotAfter) {
		return fmt.Errorf("%w: host certificate expired %s", errdefs.ErrCredential, hostCert.NotAfter.Format(time.RFC3339))
	}

	if _, err := parseCertificate(r.DeviceCertificate); err != nil {
		return fmt.Errorf("%w: device certificate: %v", errdefs.ErrCredential, err)
	}

	if _, err := r.TLSCertificate(); err != nil {
		return err
	}
	return nil
}

// TLSCertificate assembles the client identity presented during transport
// authentication.
func (r *Record) TLSCertificate() (tls.Certificate, error) {
	if isPEM(r.HostCertificate) && isPEM(r.HostPrivateKey) {
		cert, err := tls.X509KeyPair(r.HostCertificate, r.HostPrivateKey)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: host key pair: %v", errdefs.ErrCredential, err)
		}
		return cert, nil
	}

	// Raw DER record.
	key, err := parsePrivateKey(r.HostPrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: host private key: %v", errdefs.ErrCredential, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{r.HostCertificate},
		PrivateKey:  key,
	}, nil
}

// DeviceLeaf returns the device's certificate for peer pinning.
func (r *Record) DeviceLeaf() (*x509.Certificate, error) {
	cert, err := parseCertificate(r.DeviceCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: device certificate: %v", errdefs.ErrCredential, err)
	}
	return cert, nil
}

// RootPool returns a pool holding the pairing root certificate, if present.
func (r *Record) RootPool() *x509.CertPool {
	if len(r.RootCertificate) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	if cert, err := parseCertificate(r.RootCertificate); err == nil {
		pool.AddCert(cert)
	}
	return pool
}

// parseCertificate accepts a certificate as PEM text or raw DER.
func parseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	return x509.ParseCertificate(data)
}

// parsePrivateKey accepts a DER private key in any of the encodings pairing
// daemons have used over the years.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key encoding")
}

func isPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil
}
