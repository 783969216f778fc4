package ingest

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeMalformedSignature   = "MALFORMED_SIGNATURE_HEADER"
	TextCodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	TextCodeInvalidSignature     = "INVALID_SIGNATURE"
	TextCodeInvalidPayload       = "INVALID_PAYLOAD"
	TextCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	TextCodeInternal             = "INTERNAL"
)

func malformedHeaderError(message string) error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeMalformedSignature)
}

func unsupportedAlgorithmError(algorithm string) error {
	return goerrors.New("unsupported signature algorithm", goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeUnsupportedAlgorithm).
		WithMetadata(map[string]any{"algorithm": algorithm})
}

func invalidSignatureError() error {
	return goerrors.New("invalid signature", goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(TextCodeInvalidSignature)
}

func invalidPayloadError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "payload must be a JSON object").
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeInvalidPayload)
}

func subscriptionNotFoundError(id int64) error {
	return goerrors.New("subscription not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(TextCodeSubscriptionNotFound).
		WithMetadata(map[string]any{"subscription_id": id})
}

func internalError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeInternal)
}
