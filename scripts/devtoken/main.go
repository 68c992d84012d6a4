// devtoken mints Clerk-shaped session tokens for local development.
//
// Usage (run from the repo root):
//
//	go run ./scripts/devtoken -user user_123
//
// On first use it writes data/session_private.pem (mode 0600) and
// data/session_public.pem. Set CLERK_JWT_KEY to the contents of the public
// key and the server accepts the printed token as a Bearer credential.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	dir := flag.String("dir", "data", "directory holding the key pair")
	user := flag.String("user", "", "subject (Clerk user id) of the token")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	azp := flag.String("azp", "", "authorized party claim, if any")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(2)
	}

	key, err := loadOrCreateKey(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": *user,
		"sid": "sess_dev",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if *azp != "" {
		claims["azp"] = *azp
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func loadOrCreateKey(dir string) (*rsa.PrivateKey, error) {
	privPath := filepath.Join(dir, "session_private.pem")
	pubPath := filepath.Join(dir, "session_public.pem")

	raw, err := os.ReadFile(privPath) //nolint:gosec // path is operator supplied
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM block", privPath)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", privPath, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", privPath)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil { //nolint:gosec // public key
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "wrote %s and %s; set CLERK_JWT_KEY to the public key\n", privPath, pubPath)
	return key, nil
}
