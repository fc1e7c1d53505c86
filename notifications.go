package main

import (
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func lastTransactionBlock(last *Transaction) string {
	if last == nil {
		return ""
	}
	block := "\n\n📝 *Siste transaksjon:*"
	if last.Date != "" {
		block += fmt.Sprintf("\nDato: %v", last.Date)
	}
	if last.Description != "" {
		block += fmt.Sprintf("\nBeskrivelse: %v", last.Description)
	}
	if last.Amount != "" {
		block += fmt.Sprintf("\nBeløp: %v", last.Amount)
	}
	return block
}

func formatBalanceMessage(page PageData) string {
	msg := fmt.Sprintf("📊 *Saldo:* %v kr", page.Balance.Decimal.StringFixed(2))
	msg += lastTransactionBlock(page.LastTransaction)
	return msg
}

func formatChangeMessage(change balanceChange, last *Transaction) string {
	delta := change.Delta.StringFixed(2)
	if !change.Delta.IsNegative() {
		delta = "+" + delta
	}
	msg := "🔔 *Saldoendring oppdaget!*\n\n"
	msg += fmt.Sprintf("📊 *Ny saldo:* %v kr\n", change.Current.StringFixed(2))
	msg += fmt.Sprintf("📊 *Forrige saldo:* %v kr\n", change.Previous.StringFixed(2))
	msg += fmt.Sprintf("📈 *Endring:* %v kr", delta)
	msg += lastTransactionBlock(last)
	return msg
}

// sendChangeNotification delivers a change alert. A delivery failure is only
// logged, the snapshot that triggered it stays recorded.
func sendChangeNotification(sub Subscriber, change balanceChange, last *Transaction) {
	msg := tgbotapi.NewMessage(sub.TelegramID, formatChangeMessage(change, last))
	msg.ParseMode = "Markdown"
	if _, err := bot.Send(msg); err != nil {
		log.Printf("error sending notification to subscriber %v: %v", sub.TelegramID, err)
	}
}
