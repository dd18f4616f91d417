package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("operator relay: %w", NotFound("tenant", "member %s", "abc"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAuth(err))
	assert.Contains(t, err.Error(), "member abc")
}

func TestKindOfUnclassifiedIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.False(t, IsValidation(nil))
}

func TestFromStatus(t *testing.T) {
	cases := map[int]Kind{
		401: KindAuth,
		403: KindAuth,
		404: KindNotFound,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
		400: KindValidation,
		422: KindValidation,
	}
	for status, want := range cases {
		assert.Equal(t, want, KindOf(FromStatus("call", status, "")), "status %d", status)
	}
}
