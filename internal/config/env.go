package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are read by LoadEnvFiles when no files are named.
var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadEnvFiles copies variables from the given env files into the process
// environment. Missing files are skipped. Variables already set in the
// environment are not overridden, and earlier files win over later ones.
// It returns the files that were read.
func LoadEnvFiles(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}

	var loaded []string
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}
