package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gorm.io/driver/sqlite" // Sqlite driver based on GGO

	"gorm.io/gorm"
)

var bot *tgbotapi.BotAPI
var db *gorm.DB
var checks *checker

var cardNumberRe = regexp.MustCompile(`^\d{12}$`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// chats we have asked to send a card number
var awaitingCardMutex sync.Mutex
var awaitingCard = map[int64]bool{}

func setAwaitingCard(chatID int64, waiting bool) {
	awaitingCardMutex.Lock()
	defer awaitingCardMutex.Unlock()
	if waiting {
		awaitingCard[chatID] = true
	} else {
		delete(awaitingCard, chatID)
	}
}

func isAwaitingCard(chatID int64) bool {
	awaitingCardMutex.Lock()
	defer awaitingCardMutex.Unlock()
	return awaitingCard[chatID]
}

func sendText(chatID int64, messageID int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	if _, err := bot.Send(msg); err != nil {
		log.Printf("error sending message to chat %v: %v", chatID, err)
	}
}

func sendMarkdown(chatID int64, messageID int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	msg.ParseMode = "Markdown"
	if _, err := bot.Send(msg); err != nil {
		log.Printf("error sending message to chat %v: %v", chatID, err)
	}
}

func HandleMessage(update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	from := update.Message.From
	log.Printf("[%s (%v)] %s", from.UserName, from.ID, update.Message.Text)

	chatID := update.Message.Chat.ID
	messageID := update.Message.MessageID
	userName := from.UserName
	if userName == "" {
		userName = from.FirstName
	}

	switch update.Message.Command() {
	case "start":
		sub, err := getSubscriber(db, from.ID)
		if err != nil {
			log.Printf("error looking up subscriber %v: %v", from.ID, err)
			sendText(chatID, messageID, "En feil oppstod. Vennligst prøv igjen senere.")
			return
		}
		if sub != nil {
			sendText(chatID, messageID, fmt.Sprintf(
				"Hei %v! Du har allerede registrert kortnummeret ditt.\n\n"+
					"Bruk /balance for å sjekke saldoen manuelt.\n"+
					"Bruk /updatecard for å oppdatere kortnummeret ditt.", userName))
			return
		}
		setAwaitingCard(chatID, true)
		sendText(chatID, messageID, fmt.Sprintf(
			"Hei %v! Velkommen til Kronekort Bot.\n\n"+
				"Jeg vil hjelpe deg med å overvåke saldoen på ditt Kronekort.\n\n"+
				"Vennligst send meg ditt kortnummer (12 siffer).", userName))

	case "updatecard":
		setAwaitingCard(chatID, true)
		sendText(chatID, messageID, "Vennligst send meg ditt nye kortnummer (12 siffer).")

	case "cancel":
		setAwaitingCard(chatID, false)
		sendText(chatID, messageID, "Operasjonen er avbrutt.")

	case "balance":
		// checks are slow, keep servicing other chats while this one runs
		go handleBalanceCommand(from.ID, chatID, messageID)

	case "":
		if isAwaitingCard(chatID) {
			handleCardNumber(from.ID, userName, chatID, messageID, update.Message.Text)
		}
	}
}

// handleCardNumber validates and stores a card number sent in reply to
// /start or /updatecard. The checker itself treats the number as an opaque
// token, validation only happens here.
func handleCardNumber(telegramID int64, userName string, chatID int64, messageID int, text string) {
	cardNumber := whitespaceRe.ReplaceAllString(text, "")
	if !cardNumberRe.MatchString(cardNumber) {
		sendText(chatID, messageID, "Ugyldig kortnummer. Vennligst send et gyldig 12-sifret kortnummer.")
		return
	}
	if err := putCard(db, telegramID, userName, cardNumber); err != nil {
		log.Printf("error saving card for subscriber %v: %v", telegramID, err)
		sendText(chatID, messageID, "En feil oppstod. Vennligst prøv igjen senere.")
		return
	}
	setAwaitingCard(chatID, false)
	sendText(chatID, messageID,
		"Takk! Kortnummeret ditt er registrert.\n\n"+
			"Jeg vil nå sjekke saldoen hvert 5. minutt og varsle deg hvis den endres.\n\n"+
			"Bruk /balance for å sjekke saldoen manuelt.")
}

func handleBalanceCommand(telegramID, chatID int64, messageID int) {
	sub, err := getSubscriber(db, telegramID)
	if err != nil {
		log.Printf("error looking up subscriber %v: %v", telegramID, err)
		sendText(chatID, messageID, "En feil oppstod. Vennligst prøv igjen senere.")
		return
	}
	if sub == nil {
		sendText(chatID, messageID, "Du har ikke registrert et kortnummer ennå. Bruk /start for å begynne.")
		return
	}

	sendText(chatID, messageID, "Sjekker saldo...")
	result := checks.checkNow(*sub)
	switch result.Status {
	case checkOK:
		sendMarkdown(chatID, messageID, formatBalanceMessage(result.Page))
	case checkInProgress:
		sendText(chatID, messageID, "Sjekker saldo... vennligst vent.")
	case checkTimedOut:
		sendText(chatID, messageID, "Tidsavbrudd ved sjekking av saldo. Vennligst prøv igjen senere.")
	default:
		sendText(chatID, messageID, "Kunne ikke hente saldo. Vennligst prøv igjen senere.")
	}
}

func main() {
	if err := loadConfig(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if config.StorageDir == "" {
		log.Fatalf("KRONEKORT_STORAGE_DIR is not set")
	}
	os.MkdirAll(config.StorageDir, 0755)
	var err error
	db, err = gorm.Open(sqlite.Open(filepath.Join(config.StorageDir, "kronekort.db")), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	// Migrate the schema
	err = db.AutoMigrate(&Subscriber{}, &BalanceSnapshot{})
	if err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	if config.TelegramToken == "" {
		log.Fatalf("KRONEKORT_BOT_TOKEN is not set")
	}

	checkInterval, err := time.ParseDuration(config.CheckInterval)
	if err != nil || checkInterval < time.Second {
		log.Fatalf("invalid check interval: %v", err)
	}
	checkTimeout, err := time.ParseDuration(config.CheckTimeout)
	if err != nil || checkTimeout < time.Second {
		log.Fatalf("invalid check timeout: %v", err)
	}
	sweepPacing, err := time.ParseDuration(config.SweepPacing)
	if err != nil {
		log.Fatalf("invalid sweep pacing: %v", err)
	}
	locatorTimeout, err := time.ParseDuration(config.LocatorTimeout)
	if err != nil || locatorTimeout < time.Second {
		log.Fatalf("invalid locator timeout: %v", err)
	}

	bot, err = tgbotapi.NewBotAPI(config.TelegramToken)
	if err != nil {
		log.Fatalf("failed to create bot: %v", err)
	}
	log.Printf("Authorized on account %s", bot.Self.UserName)

	fetcher := newChromeFetcher(config.BalanceURL, locatorTimeout)
	checks = newChecker(db, fetcher, checkTimeout, sweepPacing, config.Workers)
	checks.notifyChange = sendChangeNotification
	go checks.runSweepLoop(checkInterval)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	// set my commands
	commands := []tgbotapi.BotCommand{
		{
			Command:     "start",
			Description: "Start the bot and register your card number",
		},
		{
			Command:     "balance",
			Description: "Check the card balance now",
		},
		{
			Command:     "updatecard",
			Description: "Replace your registered card number",
		},
		{
			Command:     "cancel",
			Description: "Cancel the current operation",
		},
	}
	cmdsConfig := tgbotapi.NewSetMyCommands(commands...)
	_, err = bot.Request(cmdsConfig)
	if err != nil {
		log.Fatalf("failed to set commands: %v", err)
	}

	for update := range updates {

		HandleMessage(update)

	}

}
