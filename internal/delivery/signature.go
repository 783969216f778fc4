package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderDelivery  = "X-Hookrelay-Delivery"
	HeaderAttempt   = "X-Hookrelay-Attempt"
	HeaderEventType = "X-Hookrelay-Event-Type"
	HeaderTimestamp = "X-Hookrelay-Timestamp" // unix seconds
	HeaderSignature = "X-Hookrelay-Signature" // sha256=<hex>
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed window")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign computes the outbound signature header value: HMAC-SHA256 over body || timestamp
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an outbound signature as a receiver would
func VerifySignature(secret string, body []byte, timestamp, signature string, now time.Time, leeway time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > leeway || skew < -leeway {
		return ErrStaleTimestamp
	}
	got, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	gotBytes, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}
	want := Sign(secret, body, timestamp)
	wantBytes, _ := hex.DecodeString(strings.TrimPrefix(want, "sha256="))
	if !hmac.Equal(gotBytes, wantBytes) {
		return ErrBadSignature
	}
	return nil
}
