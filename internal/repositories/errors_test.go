package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: errDuplicateConversation},
		{name: "bad uuid", err: &pq.Error{Code: "22P02"}, want: ErrNotFound},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: ErrStoreUnavailable},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: ErrStoreUnavailable},
		{name: "bad conn", err: fmt.Errorf("exec: %w", driver.ErrBadConn), want: ErrStoreUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrStoreUnavailable},
		{name: "no rows", err: sql.ErrNoRows, want: sql.ErrNoRows},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	err := errors.New("syntax error")
	assert.Equal(t, err, classify(err))
	assert.Nil(t, classify(nil))

	pqErr := &pq.Error{Code: "42601"}
	assert.Equal(t, error(pqErr), classify(pqErr))
}

func TestUnavailableKeepsCause(t *testing.T) {
	cause := &pq.Error{Code: "08001", Message: "refused"}
	err := classify(cause)

	var got *pq.Error
	assert.True(t, errors.As(err, &got))
	assert.Contains(t, err.Error(), "store unavailable")
}
