package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTransaction(t *testing.T) {
	t.Parallel()

	fnErr := errors.New("function failed")

	tests := []struct {
		name       string
		expect     func(m sqlmock.Sqlmock)
		fn         TxFn
		wantErr    error
		wantSubstr string
	}{
		{
			name: "commit on success",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("UPDATE processes").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit()
			},
			fn: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "UPDATE processes SET progress = 1")
				return err
			},
		},
		{
			name: "rollback on error",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn:      func(context.Context, *sql.Tx) error { return fnErr },
			wantErr: fnErr,
		},
		{
			name: "begin fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
			},
			fn:         func(context.Context, *sql.Tx) error { return nil },
			wantSubstr: "failed to begin transaction",
		},
		{
			name: "commit fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(errors.New("serialization failure"))
			},
			fn:         func(context.Context, *sql.Tx) error { return nil },
			wantSubstr: "failed to commit transaction",
		},
		{
			name: "rollback fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback().WillReturnError(errors.New("connection lost"))
			},
			fn:         func(context.Context, *sql.Tx) error { return fnErr },
			wantErr:    fnErr,
			wantSubstr: "error rolling back transaction",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()
			tc.expect(mock)

			err = RunInTransaction(context.Background(), db, tc.fn)

			if tc.wantErr == nil && tc.wantSubstr == "" {
				assert.NoError(t, err)
			}
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantSubstr != "" {
				assert.ErrorContains(t, err, tc.wantSubstr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunInTransactionPanicRollsBack(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = RunInTransaction(context.Background(), db, func(context.Context, *sql.Tx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
