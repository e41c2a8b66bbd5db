// Command issue-token prints a signed access token for the sync API.
//
// Tokens are normally issued by the onboarding platform. This tool signs one
// with the server secret for operators and local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/iudanet/fleetsync/internal/server/config"
	"github.com/iudanet/fleetsync/internal/server/handlers"
)

func main() {
	userID := flag.String("user", "", "user id (required)")
	companyID := flag.String("company", "", "company id (required)")
	role := flag.String("role", "", "user role")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to FLEETSYNC_ACCESS_TOKEN_TTL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		exitf("config: %v", err)
	}

	jwtCfg := handlers.JWTConfig{
		Secret:         []byte(cfg.JWTSecret),
		Issuer:         cfg.JWTIssuer,
		AccessTokenTTL: cfg.AccessTokenTTL,
	}
	if *ttl > 0 {
		jwtCfg.AccessTokenTTL = *ttl
	}

	token, expiresIn, err := handlers.GenerateAccessToken(jwtCfg, *userID, *companyID, *role)
	if err != nil {
		exitf("issue token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", time.Now().Add(time.Duration(expiresIn)*time.Second).UTC().Format(time.RFC3339))
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
