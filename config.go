package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	TelegramToken  string `json:"telegram_token"`
	StorageDir     string `json:"storage_dir"`
	BalanceURL     string `json:"balance_url"`
	CheckInterval  string `json:"check_interval"`
	CheckTimeout   string `json:"check_timeout"`
	SweepPacing    string `json:"sweep_pacing"`
	LocatorTimeout string `json:"locator_timeout"`
	Workers        int    `json:"workers"`
}

var config Config

func loadConfig() error {
	godotenv.Load()
	filePath := os.Getenv("KRONEKORT_CONFIG_FILE")
	if filePath == "" {
		filePath = "config.json"
	}
	configFile, err := os.Open(filePath)
	if err != nil {
		defaultConfig := Config{
			TelegramToken:  os.Getenv("KRONEKORT_BOT_TOKEN"),
			StorageDir:     os.Getenv("KRONEKORT_STORAGE_DIR"),
			BalanceURL:     "https://www.dnb.no/kort/kronekort/saldo/",
			CheckInterval:  "5m0s",
			CheckTimeout:   "1m0s",
			SweepPacing:    "2s",
			LocatorTimeout: "15s",
			Workers:        2,
		}
		defaultConfigFile, _ := os.Create(filePath)
		enc := json.NewEncoder(defaultConfigFile)
		enc.SetIndent("", "  ")
		enc.Encode(defaultConfig)
		defaultConfigFile.Close()
		log.Printf("created default config file %v", filePath)
		return err
	}
	defer configFile.Close()
	byteValue, _ := ioutil.ReadAll(configFile)
	json.Unmarshal(byteValue, &config)
	// secrets from the environment win over the file
	if tok := os.Getenv("KRONEKORT_BOT_TOKEN"); tok != "" {
		config.TelegramToken = tok
	}
	if dir := os.Getenv("KRONEKORT_STORAGE_DIR"); dir != "" {
		config.StorageDir = dir
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	return nil
}
