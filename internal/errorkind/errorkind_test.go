package errorkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToTagged(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"not found", NotFound("missing"), "NotFound"},
		{"conflict", Conflict("duplicate"), "Conflict"},
		{"validation", Validation("bad input"), "ValidationError"},
		{"decryption", Decryption("bad key"), "DecryptionError"},
		{"unauthorized", Unauthorized("denied"), "Unauthorized"},
		{"transient", Transient("retry me"), "Transient"},
		{"fatal", Fatal("boom"), "Fatal"},
		{"wrapped sentinel", fmt.Errorf("scan row: %w", ErrNotFound), "NotFound"},
		{"unrecognized error defaults to fatal", errors.New("plain"), "Fatal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tagged := ToTagged(tc.err)
			assert.Equal(t, tc.wantKind, tagged.Kind)
			assert.Equal(t, tc.err.Error(), tagged.Message)
		})
	}
}

func TestToTagged_Nil(t *testing.T) {
	assert.Equal(t, Tagged{}, ToTagged(nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("x"), 404},
		{Conflict("x"), 409},
		{Validation("x"), 400},
		{Unauthorized("x"), 401},
		{Decryption("x"), 500},
		{Fatal("x"), 500},
		{Transient("x"), 503},
		{errors.New("plain"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err))
	}
}

func TestKindErrorUnwrapsToSentinel(t *testing.T) {
	err := NotFound("entity x not found")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}
