// Package testcerts writes a throwaway CA plus server and client key pairs
// for TLS tests. Not for production use.
package testcerts

import (
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// Files holds the PEM paths written by Write.
type Files struct {
    CA         string
    ServerCert string
    ServerKey  string
    ClientCert string
    ClientKey  string
}

// Write generates the certificates under dir. Leaf certificates are valid for
// 127.0.0.1 and "localhost".
func Write(t testing.TB, dir string) Files {
    t.Helper()
    caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    caTpl := &x509.Certificate{
        SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "autocluster-test-ca"},
        NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour),
        KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    if err != nil { t.Fatal(err) }
    out := Files{CA: filepath.Join(dir, "ca.crt")}
    writePEM(t, out.CA, "CERTIFICATE", caDER)

    leaf := func(cn, name string, usage x509.ExtKeyUsage, serial int64) (string, string) {
        priv, err := rsa.GenerateKey(rand.Reader, 2048)
        if err != nil { t.Fatal(err) }
        tpl := &x509.Certificate{
            SerialNumber: big.NewInt(serial), Subject: pkix.Name{CommonName: cn},
            NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour),
            KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
            ExtKeyUsage: []x509.ExtKeyUsage{usage},
            IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
            DNSNames:    []string{"localhost"},
        }
        der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
        if err != nil { t.Fatal(err) }
        crt, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
        writePEM(t, crt, "CERTIFICATE", der)
        writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crt, key
    }
    out.ServerCert, out.ServerKey = leaf("autocluster-server", "server", x509.ExtKeyUsageServerAuth, 2)
    out.ClientCert, out.ClientKey = leaf("autocluster-client", "client", x509.ExtKeyUsageClientAuth, 3)
    return out
}

func writePEM(t testing.TB, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
        t.Fatalf("pem encode %s: %v", path, err)
    }
}
