package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient fetch", NewTransientFetch("fetch page", io.ErrUnexpectedEOF), true},
		{"permanent fetch", NewPermanentFetch("fetch page", errors.New("status 404")), false},
		{"parse", NewParse("extract", errors.New("no payload")), false},
		{"store", NewStoreUnavailable("upsert", errors.New("database is locked")), false},
		{"delivery", NewDelivery("send", errors.New("timeout")), true},
		{"permanent delivery", NewPermanentDelivery("send", errors.New("chat not found")), false},
		{"wrapped transient", fmt.Errorf("page 2: %w", NewTransientFetch("fetch page", io.EOF)), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("search honda_civic: %w", NewStoreUnavailable("upsert listing", io.ErrClosedPipe))

	assert.True(t, Is(err, StoreUnavailable))
	assert.False(t, Is(err, Parse))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.False(t, Is(errors.New("plain"), StoreUnavailable))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "[parse] extract page: no payload", NewParse("extract page", errors.New("no payload")).Error())
	assert.Equal(t, "[delivery] send", NewDelivery("send", nil).Error())
}
