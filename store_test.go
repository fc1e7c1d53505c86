package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.AutoMigrate(&Subscriber{}, &BalanceSnapshot{}))
	return testDB
}

func TestPutCard_ReplacesExistingNumber(t *testing.T) {
	testDB := newTestDB(t)

	require.NoError(t, putCard(testDB, 42, "ola", "111122223333"))
	require.NoError(t, putCard(testDB, 42, "ola", "444455556666"))

	sub, err := getSubscriber(testDB, 42)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "444455556666", sub.CardNumber)

	var count int64
	testDB.Model(&Subscriber{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestGetSubscriber_Unknown(t *testing.T) {
	testDB := newTestDB(t)
	sub, err := getSubscriber(testDB, 999)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestListSubscribers_RegistrationOrder(t *testing.T) {
	testDB := newTestDB(t)
	require.NoError(t, putCard(testDB, 3, "c", "333333333333"))
	require.NoError(t, putCard(testDB, 1, "a", "111111111111"))
	require.NoError(t, putCard(testDB, 2, "b", "222222222222"))

	subs, err := listSubscribers(testDB)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.EqualValues(t, 3, subs[0].TelegramID)
	assert.EqualValues(t, 1, subs[1].TelegramID)
	assert.EqualValues(t, 2, subs[2].TelegramID)
}

func TestLatestSnapshot_SkipsAbsentSnapshots(t *testing.T) {
	testDB := newTestDB(t)

	require.NoError(t, appendSnapshot(testDB, 7, present("100.00"), nil))
	// a check where extraction came up empty is recorded too
	require.NoError(t, appendSnapshot(testDB, 7, decimal.NullDecimal{}, nil))

	snap, err := latestSnapshot(testDB, 7)
	require.NoError(t, err)
	require.NotNil(t, snap, "the absent snapshot must not become the baseline")
	require.True(t, snap.Balance.Valid)
	assert.True(t, snap.Balance.Decimal.Equal(decimal.RequireFromString("100.00")), "got %v", snap.Balance.Decimal)

	var count int64
	testDB.Model(&BalanceSnapshot{}).Where("telegram_id = ?", 7).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestLatestSnapshot_NoHistory(t *testing.T) {
	testDB := newTestDB(t)
	snap, err := latestSnapshot(testDB, 7)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotTransactionsRoundTrip(t *testing.T) {
	testDB := newTestDB(t)
	txs := []Transaction{
		{Date: "Man 15", Description: "REMA 1000 OSLO", Amount: "-249,90 kr"},
		{Date: "Fre 12", Description: "VIPPS OVERFØRING", Amount: "500,00 kr"},
	}
	require.NoError(t, appendSnapshot(testDB, 7, present("250.10"), txs))

	snap := &BalanceSnapshot{}
	require.NoError(t, testDB.Where("telegram_id = ?", 7).Order("id DESC").First(snap).Error)
	assert.Equal(t, txs, snap.Transactions())
}
