package pairing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// makeCert generates a self-signed certificate and key, PEM-encoded.
func makeCert(t *testing.T, cn string, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// makeRecord builds a structurally valid pairing record.
func makeRecord(t *testing.T) Record {
	t.Helper()

	hostCert, hostKey := makeCert(t, "Host", time.Now().Add(24*time.Hour))
	deviceCert, _ := makeCert(t, "Device", time.Now().Add(24*time.Hour))
	rootCert, _ := makeCert(t, "Root", time.Now().Add(24*time.Hour))

	return Record{
		HostID:            "9C2A7B4E-1F0D-4A3B-8E5C-D6F7A8B9C0D1",
		SystemBUID:        "F1E2D3C4-B5A6-9788-6959-4A3B2C1D0E0F",
		HostCertificate:   hostCert,
		HostPrivateKey:    hostKey,
		DeviceCertificate: deviceCert,
		RootCertificate:   rootCert,
		UDID:              "00008110-001A2B3C4D5E6F07",
	}
}

// writeRecord marshals a record as an XML property list into dir.
func writeRecord(t *testing.T, dir string, rec Record) string {
	t.Helper()

	data, err := plist.Marshal(rec, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal plist: %v", err)
	}

	path := filepath.Join(dir, "pairing.plist")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write plist: %v", err)
	}
	return path
}

func TestLoadValidRecord(t *testing.T) {
	path := writeRecord(t, t.TempDir(), makeRecord(t))

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if rec.HostID == "" || rec.UDID == "" {
		t.Errorf("record fields lost in round trip: %+v", rec)
	}
	if _, err := rec.TLSCertificate(); err != nil {
		t.Errorf("TLSCertificate failed on valid record: %v", err)
	}
	if _, err := rec.DeviceLeaf(); err != nil {
		t.Errorf("DeviceLeaf failed on valid record: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.plist"))
	if !errors.Is(err, errdefs.ErrCredential) {
		t.Fatalf("expected ErrCredential for missing file, got %v", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.plist")
	if err := os.WriteFile(path, []byte("not a property list"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, errdefs.ErrCredential) {
		t.Fatalf("expected ErrCredential for corrupt file, got %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"no HostID", func(r *Record) { r.HostID = "" }},
		{"no HostCertificate", func(r *Record) { r.HostCertificate = nil }},
		{"no HostPrivateKey", func(r *Record) { r.HostPrivateKey = nil }},
		{"no DeviceCertificate", func(r *Record) { r.DeviceCertificate = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := makeRecord(t)
			tc.mutate(&rec)

			if err := rec.Validate(); !errors.Is(err, errdefs.ErrCredential) {
				t.Errorf("expected ErrCredential, got %v", err)
			}
		})
	}
}

func TestValidateExpiredHostCertificate(t *testing.T) {
	rec := makeRecord(t)
	rec.HostCertificate, rec.HostPrivateKey = makeCert(t, "Host", time.Now().Add(-time.Hour))

	err := rec.Validate()
	if !errors.Is(err, errdefs.ErrCredential) {
		t.Fatalf("expected ErrCredential for expired certificate, got %v", err)
	}
}

func TestValidateMangledCertificate(t *testing.T) {
	rec := makeRecord(t)
	rec.DeviceCertificate = []byte("-----BEGIN CERTIFICATE-----\nbm90IGEgY2VydA==\n-----END CERTIFICATE-----\n")

	if err := rec.Validate(); !errors.Is(err, errdefs.ErrCredential) {
		t.Fatalf("expected ErrCredential for mangled certificate, got %v", err)
	}
}
