package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-scribe.yaml", "Path to configuration file")
	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)
	tokenCmd.StringVar(&configPath, "file", "loqa-scribe.yaml", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'token' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "token":
		tokenCmd.Parse(os.Args[2:])
		if err := runToken(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runToken performs one credential fetch and prints the grant without its
// token.
func runToken(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Credentials.Endpoint == "" {
		return fmt.Errorf("credentials.endpoint is not set in %s", path)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grant, err := credentials.NewHTTPSource(cfg.Credentials, nil).Fetch(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("room: %s\nidentity: %s\nrelay: %s\ntoken: %d bytes\n", grant.RoomName, grant.Identity, grant.RelayURL, len(grant.Token))
	return nil
}
