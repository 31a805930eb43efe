//go:build ignore

package main

import (
	"fmt"
	"os"
	"time"

	"crypto_portfolio_tracker/config"
	"crypto_portfolio_tracker/middleware"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run scripts/issue_token.go <subject> [email] [ttl]")
		fmt.Println("Example: go run scripts/issue_token.go dev-user dev@example.com 24h")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	subject := os.Args[1]
	email := ""
	if len(os.Args) > 2 {
		email = os.Args[2]
	}
	ttl := 24 * time.Hour
	if len(os.Args) > 3 {
		if ttl, err = time.ParseDuration(os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ttl: %v\n", err)
			os.Exit(1)
		}
	}

	token, err := middleware.IssueToken(cfg.JWTSecret, subject, email, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
