package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"signing", New(SigningFailed, "sign", errors.New("exit 1")), true},
		{"token exchange", New(TokenExchangeFailed, "token", nil), true},
		{"object 503", API("insert object", http.StatusServiceUnavailable, "busy"), true},
		{"object 429", API("insert object", http.StatusTooManyRequests, "slow down"), true},
		{"object 400", API("insert object", http.StatusBadRequest, "bad field"), false},
		{"credentials", New(CredentialsMissing, "load", nil), false},
		{"key format", New(InvalidKeyFormat, "parse key", nil), false},
		{"card state", New(InvalidCardState, "build", nil), false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"unclassified", errors.New("boom"), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestKindMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("apple build: %w", New(CredentialsMissing, "load signing cert", errors.New("empty")))

	assert.True(t, errors.Is(err, E(CredentialsMissing)))
	assert.False(t, errors.Is(err, E(SigningFailed)))
	assert.Equal(t, CredentialsMissing, KindOf(err))
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageCarriesStatus(t *testing.T) {
	err := API("patch object", http.StatusForbidden, `{"error":"denied"}`)
	assert.Contains(t, err.Error(), "http 403")
	assert.Contains(t, err.Error(), "denied")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(New(InvalidCardState, "build", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Newf(InvalidRequest, "request", "cardId required")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("lookup: %w", E(NotFound))))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(CredentialsMissing, "apple", nil)))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(API("insert object", http.StatusBadRequest, "bad")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
