package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/tenant-gateway/internal/auth"
)

func main() {
	tenantID := flag.String("tenant", "", "tenant id (required)")
	userID := flag.String("user", "dev-user", "user id")
	role := flag.String("role", "", "user role")
	permissions := flag.String("permissions", "", "comma-separated permissions")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	if *tenantID == "" {
		fmt.Println("Usage: go run ./cmd/tokengen -tenant <id> [-user <id>] [-role <role>] [-permissions a,b] [-ttl 1h]")
		fmt.Println("Signs a development token with GATEWAY_AUTH__JWT_SECRET")
		os.Exit(1)
	}

	secret := os.Getenv("GATEWAY_AUTH__JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "GATEWAY_AUTH__JWT_SECRET is not set")
		os.Exit(1)
	}

	issuer, err := auth.NewIssuer([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "create issuer: %v\n", err)
		os.Exit(1)
	}

	var perms []string
	for _, p := range strings.Split(*permissions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}

	expires := time.Now().Add(*ttl)
	token, err := issuer.Issue(auth.SessionClaims{
		TenantID:    *tenantID,
		UserID:      *userID,
		Role:        *role,
		Permissions: perms,
		ExpiresAt:   expires.Unix(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Tenant: %s\n", *tenantID)
	fmt.Printf("Expires: %s\n", expires.UTC().Format(time.RFC3339))
	fmt.Println("\nUse it as:")
	fmt.Printf("  Authorization: Bearer %s\n", token)
}
