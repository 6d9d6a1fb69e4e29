package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// selfSigned writes a self-signed cert/key pair to dir.
func selfSigned(t *testing.T, dir string) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "snapshot-test"},
        DNSNames:              []string{"localhost"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    if err != nil { t.Fatal(err) }
    kb, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatal(err) }
    certFile, keyFile = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
    if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil { t.Fatal(err) }
    if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil { t.Fatal(err) }
    return certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    var o Options
    if cfg, err := o.Server(); cfg != nil || err != nil { t.Fatalf("server = %v, %v", cfg, err) }
    if cfg, err := o.ClientHotReload(); cfg != nil || err != nil { t.Fatalf("client = %v, %v", cfg, err) }
}

func TestServerRequiresKeyPair(t *testing.T) {
    o := Options{Enable: true}
    if _, err := o.ServerHotReload(); err == nil { t.Fatalf("expected error without cert/key") }
    if err := (Options{Enable: true, CertFile: "x"}).Validate(); err == nil { t.Fatalf("validate accepted a lone cert") }
}

func TestMutualTLSConfigs(t *testing.T) {
    cert, key := selfSigned(t, t.TempDir())
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "localhost"}
    srv, err := o.ServerHotReload()
    if err != nil { t.Fatal(err) }
    if srv.ClientCAs == nil || srv.GetCertificate == nil { t.Fatalf("server config incomplete") }
    if c, err := srv.GetCertificate(nil); err != nil || c == nil { t.Fatalf("get certificate: %v", err) }
    cli, err := o.Client()
    if err != nil { t.Fatal(err) }
    if cli.RootCAs == nil || len(cli.Certificates) != 1 || cli.ServerName != "localhost" {
        t.Fatalf("client config = %+v", cli)
    }
}
