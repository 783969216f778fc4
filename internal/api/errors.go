package api

import (
	"encoding/json"
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/austindbirch/hookrelay/internal/logging"
)

const (
	TextCodeDeliveryNotFound     = "DELIVERY_NOT_FOUND"
	TextCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	TextCodeInvalidSubscription  = "INVALID_SUBSCRIPTION"
	TextCodeInvalidID            = "INVALID_ID"
	TextCodeInvalidLimit         = "INVALID_LIMIT"
	TextCodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	TextCodeInternal             = "INTERNAL"
	TextCodeRouteNotFound        = "NOT_FOUND"
	TextCodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	TextCodeBadRequest           = "BAD_REQUEST"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func deliveryNotFoundError(id string) error {
	return goerrors.New("delivery not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(TextCodeDeliveryNotFound).
		WithMetadata(map[string]any{"delivery_id": id})
}

func subscriptionNotFoundError(id int64) error {
	return goerrors.New("subscription not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(TextCodeSubscriptionNotFound).
		WithMetadata(map[string]any{"subscription_id": id})
}

func invalidSubscriptionError(message string) error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeInvalidSubscription)
}

func invalidIDError(raw string) error {
	return goerrors.New("invalid id", goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeInvalidID).
		WithMetadata(map[string]any{"id": raw})
}

func invalidLimitError(raw string) error {
	return goerrors.New("limit must be a positive integer", goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeInvalidLimit).
		WithMetadata(map[string]any{"limit": raw})
}

func payloadTooLargeError(limit int64) error {
	return goerrors.New("request body too large", goerrors.CategoryBadInput).
		WithCode(http.StatusRequestEntityTooLarge).
		WithTextCode(TextCodePayloadTooLarge).
		WithMetadata(map[string]any{"limit_bytes": limit})
}

func internalError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeInternal)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error","code"}. Details of 5xx errors are logged, not returned.
func writeError(w http.ResponseWriter, log *logging.LogEntry, err error) {
	var gerr *goerrors.Error
	if !errors.As(err, &gerr) || gerr.Code == 0 {
		log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: TextCodeInternal})
		return
	}

	code := gerr.TextCode
	if code == "" {
		code = TextCodeInternal
	}
	msg := gerr.Message
	if gerr.Code >= http.StatusInternalServerError {
		log.WithError(err).WithField("code", code).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, gerr.Code, errorBody{Error: msg, Code: code})
}
