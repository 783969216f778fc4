// Command relay-auth issues RS256 tokens for the HookRelay management API.
// It is meant for development and test environments; production deployments
// point JWT_PUBLIC_KEY_PEM at their own identity provider's key.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/logging"
)

const maxTokenTTL = 24 * time.Hour

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type tokenRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

type issuer struct {
	key       *rsa.PrivateKey
	keyID     string
	publicPEM []byte
	issuer    string
	audience  string
	ttl       time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// loadKey parses a PKCS#1 or PKCS#8 RSA private key. An empty value generates a fresh key.
func loadKey(pemText string) (key *rsa.PrivateKey, generated bool, err error) {
	if strings.TrimSpace(pemText) == "" {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}

	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err = x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return rsaKey, false, nil
}

func newIssuer(cfg config.Auth, key *rsa.PrivateKey, logger *logging.Logger) (*issuer, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &issuer{
		key:       key,
		keyID:     hex.EncodeToString(sum[:8]),
		publicPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (i *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /public-key.pem", i.handlePublicKey)
	mux.HandleFunc("GET /.well-known/jwks.json", i.handleJWKS)
	mux.HandleFunc("POST /token", i.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	return mux
}

func (i *issuer) sign(subject string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

func (i *issuer) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(i.publicPEM)
}

func (i *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := i.key.PublicKey
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, jwks{Keys: []jwk{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: i.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

func (i *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a token request JSON object")
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	ttl := i.ttl
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl <= 0 || ttl > maxTokenTTL {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ttl_seconds must be between 1 and %d", int(maxTokenTTL.Seconds())))
		return
	}

	token, err := i.sign(req.Subject, ttl)
	if err != nil {
		i.logger.WithContext(r.Context()).WithError(err).Error("sign token failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	i.logger.WithContext(r.Context()).WithFields(map[string]any{
		"subject": req.Subject,
		"ttl":     ttl.String(),
	}).Info("token issued")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, TokenType: "Bearer", ExpiresIn: int(ttl.Seconds())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	code := "INVALID_TOKEN_REQUEST"
	if status >= http.StatusInternalServerError {
		code = "INTERNAL"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func main() {
	logger := logging.New("relay-auth")
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("load config failed")
	}

	key, generated, err := loadKey(cfg.Auth.PrivateKeyPEM)
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key failed")
	}
	iss, err := newIssuer(cfg.Auth, key, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("build issuer failed")
	}
	if generated {
		logger.Plain().WithField("kid", iss.keyID).Warn("no JWT_PRIVATE_KEY set, generated an ephemeral signing key")
	}

	srv := &http.Server{
		Addr:              cfg.Auth.IssuerPort,
		Handler:           iss.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"issuer":   cfg.Auth.Issuer,
			"audience": cfg.Auth.Audience,
		}).Info("relay-auth listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("relay-auth server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("relay-auth stopped")
}
