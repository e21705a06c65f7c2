package gitcreds

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	path := filepath.Join(t.TempDir(), "app-key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return path
}

func TestInstallHelper_WritesExecutableScriptWithToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/app/installations/") {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_installationtoken123",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	keyPath := writeTestKey(t)
	app := AppCredentials{ClientID: "Iv1.abc123", InstallationID: 99, PrivateKeyPath: keyPath}

	itr, err := newInstallationTransport(app)
	if err != nil {
		t.Fatalf("newInstallationTransport: %v", err)
	}
	itr.BaseURL = srv.URL

	token, err := itr.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "ghs_installationtoken123" {
		t.Errorf("token = %q, want ghs_installationtoken123", token)
	}

	helperPath := filepath.Join(t.TempDir(), "credential-helper.sh")
	ref, err := writeHelper(token, helperPath)
	if err != nil {
		t.Fatal(err)
	}
	if ref != "!"+helperPath {
		t.Errorf("helper ref = %q, want %q", ref, "!"+helperPath)
	}

	data, err := os.ReadFile(helperPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ghs_installationtoken123") {
		t.Error("expected credential helper to embed the installation token")
	}
}

func TestClientIDSigner_OverridesIssuer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer := &clientIDSigner{clientID: "Iv1.xyz", method: jwt.SigningMethodRS256, key: key}

	claims := &jwt.RegisteredClaims{Issuer: "wrong-issuer"}
	signed, err := signer.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed == "" {
		t.Fatal("expected a non-empty signed token")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(signed, &jwt.RegisteredClaims{})
	if err != nil {
		t.Fatalf("parsing signed token: %v", err)
	}
	rc := parsed.Claims.(*jwt.RegisteredClaims)
	if rc.Issuer != "Iv1.xyz" {
		t.Errorf("issuer = %q, want Iv1.xyz", rc.Issuer)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := expandHome("~/app-key.pem")
	want := filepath.Join(home, "app-key.pem")
	if got != want {
		t.Errorf("expandHome() = %q, want %q", got, want)
	}
}
