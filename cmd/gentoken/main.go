// Command gentoken mints HS256 bearer tokens for calling the gateway.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/PlainFunction/redactgate/internal/auth"
	"github.com/PlainFunction/redactgate/internal/common/config"
)

func main() {
	orgID := flag.String("org", "", "organization id to embed in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to JWT_EXPIRE_MINUTES)")
	secret := flag.String("secret", "", "signing secret (defaults to JWT_SECRET_KEY)")
	flag.Parse()

	if *orgID == "" {
		fmt.Fprintln(os.Stderr, "usage: gentoken -org <id> [-ttl 60m] [-secret <key>]")
		os.Exit(2)
	}

	cfg := config.Load()
	key := cfg.JWTSecret
	if *secret != "" {
		key = *secret
	}
	lifetime := *ttl
	if lifetime == 0 {
		lifetime = time.Duration(cfg.JWTExpireMinutes) * time.Minute
	}

	token, err := auth.NewVerifier(key).Mint(*orgID, lifetime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Generated JWT Token:")
	fmt.Printf("Bearer %s\n", token)
	fmt.Println()
	fmt.Printf("Org ID: %s\n", *orgID)
	fmt.Printf("Expires in: %s\n", lifetime)
}
