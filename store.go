package main

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func getSubscriber(db *gorm.DB, telegramID int64) (*Subscriber, error) {
	sub := &Subscriber{}
	err := db.Where("telegram_id = ?", telegramID).First(sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// putCard registers a subscriber or replaces the card number of an existing
// one. Subscribers are never deleted.
func putCard(db *gorm.DB, telegramID int64, userName, cardNumber string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "card_number", "updated_at"}),
	}).Create(&Subscriber{
		TelegramID: telegramID,
		UserName:   userName,
		CardNumber: cardNumber,
	}).Error
}

func listSubscribers(db *gorm.DB) ([]Subscriber, error) {
	var subs []Subscriber
	if err := db.Order("id").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// appendSnapshot records one completed check. The history is append-only so
// "latest" always reflects the most recent check, notified or not.
func appendSnapshot(db *gorm.DB, telegramID int64, balance decimal.NullDecimal, transactions []Transaction) error {
	txJSON, err := json.Marshal(transactions)
	if err != nil {
		return err
	}
	return db.Create(&BalanceSnapshot{
		TelegramID:       telegramID,
		Balance:          balance,
		TransactionsJSON: txJSON,
	}).Error
}

// latestSnapshot returns the most recent snapshot that actually carries a
// balance. Snapshots where extraction came up empty are recorded but must
// not reset the comparison baseline.
func latestSnapshot(db *gorm.DB, telegramID int64) (*BalanceSnapshot, error) {
	snap := &BalanceSnapshot{}
	err := db.Where("telegram_id = ? AND balance IS NOT NULL", telegramID).
		Order("id DESC").First(snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}
