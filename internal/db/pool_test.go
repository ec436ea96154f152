package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestCopyFrom(t *testing.T) {
	mock := newMockPool(t)
	columns := []string{"id", "screengrab_id", "widget_index"}

	mock.ExpectCopyFrom(pgx.Identifier{"widgets"}, columns).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "widgets", columns, [][]any{
		{"w-1", "sg-1", 0},
		{"w-2", "sg-1", 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_EmptyRowsIsNoop(t *testing.T) {
	mock := newMockPool(t)

	n, err := CopyFrom(context.Background(), mock, "widgets", []string{"id"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock := newMockPool(t)
	columns := []string{"id"}

	mock.ExpectCopyFrom(pgx.Identifier{"widgets"}, columns).WillReturnError(assert.AnError)

	_, err := CopyFrom(context.Background(), mock, "widgets", columns, [][]any{{"w-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO widgets")
}
