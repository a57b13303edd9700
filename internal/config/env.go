package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the environment. A missing file is
// not an error so deployments can rely on real environment variables.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}
