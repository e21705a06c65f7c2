// Package gitcreds provisions a non-interactive git credential helper backed
// by a GitHub App installation token, so EnsureRepo's pushes never prompt.
package gitcreds

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
)

// AppCredentials identifies the GitHub App installation used to mint
// short-lived push tokens.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID, matching how GitHub issues
// client IDs for Apps registered under the newer onboarding flow.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// newInstallationTransport builds an http.RoundTripper that mints and caches
// installation tokens for app.
func newInstallationTransport(app AppCredentials) (*ghinstallation.Transport, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{clientID: app.ClientID, method: jwt.SigningMethodRS256, key: key}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	return ghinstallation.NewFromAppsTransport(atr, app.InstallationID), nil
}

// Token mints a fresh GitHub App installation token, valid for roughly one
// hour per GitHub's API contract.
func Token(ctx context.Context, app AppCredentials) (string, error) {
	itr, err := newInstallationTransport(app)
	if err != nil {
		return "", err
	}
	token, err := itr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("minting installation token: %w", err)
	}
	return token, nil
}

// InstallHelper mints an installation token and writes a credential-helper
// script to helperPath that Git can invoke non-interactively (git's
// `credential.helper` protocol: the script echoes `password=<token>` and a
// fixed username on stdout when invoked with `get`). It returns helperPath
// formatted the way `git config credential.helper` expects (a leading `!`
// so git runs it as a shell command rather than appending its own "git
// credential-" prefix).
func InstallHelper(ctx context.Context, app AppCredentials, helperPath string) (string, error) {
	token, err := Token(ctx, app)
	if err != nil {
		return "", err
	}
	return writeHelper(token, helperPath)
}

// InstallTokenHelper writes the same credential-helper script around a
// static token, for deployments that mount a long-lived credential instead
// of a GitHub App key.
func InstallTokenHelper(token, helperPath string) (string, error) {
	return writeHelper(token, helperPath)
}

func writeHelper(token, helperPath string) (string, error) {
	script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\n  get)\n    echo username=x-access-token\n    echo password=%s\n    ;;\nesac\n", token)
	if err := os.MkdirAll(filepath.Dir(helperPath), 0o700); err != nil {
		return "", fmt.Errorf("creating credential helper directory: %w", err)
	}
	if err := os.WriteFile(helperPath, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("writing credential helper: %w", err)
	}
	return "!" + helperPath, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
