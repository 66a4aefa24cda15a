package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tradeengine/model"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
		WithoutReturning:     true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm over sqlmock: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return gdb, mock
}

func TestOrderRepositoryListNonTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &OrderRepository{db: db}

	createdAt := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "symbol", "status", "created_at", "updated_at"}).
		AddRow(1, 1, "BTCUSDT", "pending", createdAt, createdAt).
		AddRow(2, 1, "ETHUSDT", "executed", createdAt, createdAt)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE status IN ($1,$2,$3) ORDER BY id ASC`)).
		WillReturnRows(rows)

	orders, err := repo.ListNonTerminal(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, model.OrderStatusPending, orders[0].Status)
	assert.Equal(t, model.OrderStatusExecuted, orders[1].Status)
}

func TestOrderRepositoryLoadNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &OrderRepository{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE "orders"."id" = $1 ORDER BY "orders"."id" LIMIT $2`)).
		WithArgs(uint64(99), 1).
		WillReturnError(gorm.ErrRecordNotFound)

	order, err := repo.Load(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestOrderRepositoryAtomicTransitionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &OrderRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.AtomicTransition(context.Background(), 1, model.OrderStatusPending, model.OrderStatusInExecution, nil, "acquire")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestOrderRepositoryAtomicTransitionSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &OrderRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "order_logs"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.AtomicTransition(context.Background(), 1, model.OrderStatusPending, model.OrderStatusInExecution,
		map[string]interface{}{"executed_price": decimal.NewFromInt(100)}, "acquire")
	require.NoError(t, err)
}

func TestOrderRepositoryPatchRejectsUnknownField(t *testing.T) {
	db, _ := newMockDB(t)
	repo := &OrderRepository{db: db}

	err := repo.Patch(context.Background(), 1, map[string]interface{}{"status": "cancelled"})
	assert.ErrorIs(t, err, ErrUnknownField)
}
