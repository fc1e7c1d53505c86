package main

import (
	"encoding/json"
	"log"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Subscriber struct {
	gorm.Model
	TelegramID int64 `gorm:"uniqueIndex"`
	UserName   string
	CardNumber string
}

// BalanceSnapshot is one recorded check. Balance is NULL when the page
// rendered but no balance could be extracted from it.
type BalanceSnapshot struct {
	gorm.Model
	TelegramID       int64               `gorm:"index"`
	Balance          decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	TransactionsJSON []byte              `gorm:"type:blob"`
}

// Transaction is semi-structured on purpose, the page markup is unstable
// so the fields stay strings as scraped.
type Transaction struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

func (s *BalanceSnapshot) Transactions() []Transaction {
	if len(s.TransactionsJSON) == 0 {
		return nil
	}
	var txs []Transaction
	if err := json.Unmarshal(s.TransactionsJSON, &txs); err != nil {
		log.Printf("error unmarshalling transactions for snapshot %v: %v", s.ID, err)
		return nil
	}
	return txs
}
