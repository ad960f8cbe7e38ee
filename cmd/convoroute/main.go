package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env は任意（無ければ環境変数のみ）
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// getConfigPath は設定ファイルパスを取得（--config > CONVOROUTE_CONFIG > ./config.yaml）
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if path := os.Getenv("CONVOROUTE_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}
