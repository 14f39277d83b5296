package inventory

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresLookup) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresLookup(db, zap.NewNop())
}

func TestPostgresLookup_SerialNoFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(serialNoQuery)).
		WithArgs("E2801160600002064C5A3F21").
		WillReturnRows(sqlmock.NewRows([]string{"name", "item_code"}).AddRow("SN-0001", "ITEM-A"))

	ref, err := repo.SerialNo(context.Background(), "E2801160600002064C5A3F21")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "SN-0001", ref.ItemID)
	assert.Equal(t, "ITEM-A", ref.ItemCode)
	assert.Equal(t, SourceSerialNo, ref.Source)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookup_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(assetQuery)).
		WithArgs("TAG").
		WillReturnError(sql.ErrNoRows)

	ref, err := repo.Asset(context.Background(), "TAG")
	require.NoError(t, err)
	assert.Nil(t, ref)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookup_NullItemCode(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(assetQuery)).
		WithArgs("TAG").
		WillReturnRows(sqlmock.NewRows([]string{"name", "item_code"}).AddRow("AST-1", nil))

	ref, err := repo.Asset(context.Background(), "TAG")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "", ref.ItemCode)
	assert.Equal(t, SourceAsset, ref.Source)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookup_ErrorFallsThroughCorrelatorAsMiss(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(serialNoQuery)).
		WithArgs("TAG").
		WillReturnError(errors.New("connection reset"))

	_, err := repo.SerialNo(context.Background(), "TAG")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	mock.ExpectQuery(regexp.QuoteMeta(serialNoQuery)).
		WithArgs("TAG2").
		WillReturnError(errors.New("connection reset"))
	ref, err := NewCorrelator(repo, zap.NewNop()).Resolve(context.Background(), "TAG2")
	require.NoError(t, err)
	assert.Nil(t, ref)

	require.NoError(t, mock.ExpectationsWereMet())
}
