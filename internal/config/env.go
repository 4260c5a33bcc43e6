package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the environment. Variables already set
// win, and a missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
