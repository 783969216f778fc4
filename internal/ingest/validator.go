package ingest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/austindbirch/hookrelay/internal/store"
)

const SignatureAlgorithm = "sha256"

// Validator checks inbound signatures against the subscription secret
type Validator struct{}

// Verify accepts any request for a subscription without a secret. Otherwise the
// header must be "sha256=<hex>" carrying HMAC-SHA256 of the raw body.
func (Validator) Verify(sub store.Subscription, rawBody []byte, header string) error {
	if sub.Secret == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return malformedHeaderError("signature header is required")
	}
	algorithm, digest, ok := strings.Cut(header, "=")
	if !ok || digest == "" {
		return malformedHeaderError("signature header must be algorithm=hexdigest")
	}
	if algorithm != SignatureAlgorithm {
		return unsupportedAlgorithmError(algorithm)
	}

	got, err := hex.DecodeString(digest)
	if err != nil {
		return invalidSignatureError()
	}
	if !hmac.Equal(got, computeMAC(sub.Secret, rawBody)) {
		return invalidSignatureError()
	}
	return nil
}

func computeMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignBody returns the header value a sender uses for body
func SignBody(secret string, body []byte) string {
	return SignatureAlgorithm + "=" + hex.EncodeToString(computeMAC(secret, body))
}

// DecodePayload parses a raw body that must hold a single JSON object.
// Numbers are kept as json.Number so they are relayed unchanged.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, invalidPayloadError(err)
	}
	if payload == nil {
		return nil, invalidPayloadError(errors.New("null body"))
	}
	if dec.More() {
		return nil, invalidPayloadError(errors.New("trailing data after object"))
	}
	return payload, nil
}
