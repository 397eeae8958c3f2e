package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenPairValidate(t *testing.T) {
	tests := []struct {
		name    string
		pair    TokenPair
		wantErr string
	}{
		{name: "lowercase bearer", pair: TokenPair{AccessToken: "abc", TokenType: "bearer"}},
		{name: "capitalised bearer", pair: TokenPair{AccessToken: "abc", TokenType: "Bearer"}},
		{name: "empty type", pair: TokenPair{AccessToken: "abc"}},
		{name: "empty access token", pair: TokenPair{TokenType: "bearer"}, wantErr: "access_token is empty"},
		{name: "basic type", pair: TokenPair{AccessToken: "abc", TokenType: "Basic"}, wantErr: "unexpected token_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pair.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestUserDisplayName(t *testing.T) {
	email := "alice@example.com"
	assert.Equal(t, "alice", User{ID: 1, Username: "alice"}.DisplayName())
	assert.Equal(t, "alice", User{ID: 1, Email: &email}.DisplayName())
	assert.Equal(t, "user-7", User{ID: 7}.DisplayName())
}

func TestNetworkErrorClassification(t *testing.T) {
	timeout := NetworkError("me", fmt.Errorf("do: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, timeout, ErrNetworkTimeout)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.True(t, IsTransient(timeout))
	assert.False(t, IsCredential(timeout))

	refused := NetworkError("me", errors.New("connection refused"))
	assert.ErrorIs(t, refused, ErrNetworkUnreachable)
	assert.True(t, IsTransient(refused))

	assert.NoError(t, NetworkError("me", nil))
}

func TestStatusErrorUnwrap(t *testing.T) {
	cause := errors.New("raw body")
	err := error(&StatusError{Kind: ErrInvalidCredential, StatusCode: 400, Detail: "bad code", Err: cause})

	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsCredential(err))
	assert.EqualError(t, err, "invalid credential (status 400): bad code")

	var se *StatusError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.StatusCode)
}

func TestSessionEndedIsUnauthorized(t *testing.T) {
	assert.ErrorIs(t, ErrSessionEnded, ErrUnauthorized)
	assert.True(t, IsCredential(ErrSessionEnded))
}
