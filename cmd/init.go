package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/lightbind/lightbind/lightbind"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type passwordReader func() (string, error)

// customPasswordReader can be set to override the interactive
// terminal prompt when reading passwords (used in tests).
var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes the database and generates an admin password hash",
	Run: func(cmd *cobra.Command, args []string) {
		_, err := lightbind.CreateDB(
			cmd.Context(),
			cfg.DatabaseType,
			cfg.Database,
		)
		if err != nil {
			log.Fatalf("error initializing database: %v", err)
		}
		fmt.Println("Database initialized")

		hash, err := promptPasswordHash()
		if err != nil {
			log.Fatalf("error reading password: %v", err)
		}
		fmt.Println("Set the following values in your environment:")
		fmt.Printf("%s_API_ADMIN_PASSWORD=%s\n", envPrefixInUse(), hash)
	},
}

func envPrefixInUse() string {
	if prefix := os.Getenv(lightbind.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return lightbind.DefaultEnvPrefix
}

func promptPasswordHash() (string, error) {
	readerFunc := customPasswordReader
	if readerFunc == nil {
		readerFunc = func() (string, error) {
			data, err := term.ReadPassword(int(syscall.Stdin))
			return string(data), err
		}
	}

	for {
		fmt.Print("Enter admin password: ")
		password, err := readerFunc()
		fmt.Println()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(password) == "" {
			fmt.Println("Password cannot be empty")
			continue
		}

		fmt.Print("Confirm admin password: ")
		confirm, err := readerFunc()
		fmt.Println()
		if err != nil {
			return "", err
		}
		if password != confirm {
			fmt.Println("Passwords do not match, try again")
			continue
		}
		return lightbind.HashPassword(password)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
