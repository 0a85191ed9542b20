//go:build integration

package integration

import (
    "context"
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

    "github.com/amirimatin/go-group/pkg/bootstrap"
    tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

func TestTLS_TwoNodes_StatusAndClose(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    ca, crt, key := mustMakeTestCerts(t, t.TempDir())
    tlsCfg := func(cfg bootstrap.Config) bootstrap.Config {
        cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey, cfg.TLSServerName = true, ca, crt, key, "localhost"
        return cfg
    }
    n1 := mustRun(t, ctx, tlsCfg(bootstrap.Config{GRPCBind: "127.0.0.1:7952", MgmtAddr: "127.0.0.1:17952", Bootstrap: true}))
    n2 := mustRun(t, ctx, tlsCfg(bootstrap.Config{GRPCBind: "127.0.0.1:8952", Sequencer: "127.0.0.1:7952", MgmtAddr: "127.0.0.1:18952"}))
    waitFor(t, 15*time.Second, "two member view over mTLS", func() bool { return viewSize(n1) == 2 && viewSize(n2) == 2 })

    cliTLS, err := tlsx.Options{Enable: true, CAFile: ca, CertFile: crt, KeyFile: key, ServerName: "localhost"}.Client()
    if err != nil { t.Fatalf("client tls: %v", err) }
    cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)
    s, err := fetchStatus(ctx, cli, "127.0.0.1:18952")
    if err != nil { t.Fatalf("status over https: %v", err) }
    if s.Installed == nil || len(s.Installed.Nodes) != 2 { t.Fatalf("unexpected view: %+v", s.Installed) }

    // Without a client certificate the handshake is refused.
    bare, err := tlsx.Options{Enable: true, CAFile: ca, ServerName: "localhost"}.Client()
    if err != nil { t.Fatalf("bare tls: %v", err) }
    if _, err := httpjson.NewClient(time.Second).UseTLS(bare).GetStatus(ctx, "127.0.0.1:18952"); err == nil {
        t.Fatal("status without client certificate should fail")
    }

    resp, err := cli.PostClose(ctx, "127.0.0.1:18952", transport.CloseRequest{Graceful: true})
    if err != nil || !resp.Accepted { t.Fatalf("close: %+v %v", resp, err) }
    waitFor(t, 15*time.Second, "closed member excluded", func() bool { return viewSize(n1) == 1 })
}

// mustMakeTestCerts writes a CA and one localhost certificate valid for both server
// and client auth.
func mustMakeTestCerts(t *testing.T, dir string) (caFile, crtFile, keyFile string) {
    t.Helper()
    caKey, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    caTmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "go-group-test-ca"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(24 * time.Hour),
        IsCA:                  true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
        BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
    if err != nil { t.Fatal(err) }
    caCert, err := x509.ParseCertificate(caDER)
    if err != nil { t.Fatal(err) }

    key, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    tmpl := &x509.Certificate{
        SerialNumber: big.NewInt(2),
        Subject:      pkix.Name{CommonName: "localhost"},
        DNSNames:     []string{"localhost"},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
    if err != nil { t.Fatal(err) }

    caFile, crtFile, keyFile = filepath.Join(dir, "ca.pem"), filepath.Join(dir, "node.pem"), filepath.Join(dir, "node-key.pem")
    writePEM(t, caFile, "CERTIFICATE", caDER)
    writePEM(t, crtFile, "CERTIFICATE", der)
    writePEM(t, keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
    return caFile, crtFile, keyFile
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil { t.Fatal(err) }
}
