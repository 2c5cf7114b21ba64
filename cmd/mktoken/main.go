// mktoken signs a development JWT for a given user id.
//
//	go run ./cmd/mktoken -user u1 -ttl 24h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shoplane/chat-gateway/internal/auth"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	secret := flag.String("secret", "", "signing secret (default $CHAT_JWT_SECRET or dev-secret)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: mktoken -user <id> [-ttl 2h] [-secret s]")
		os.Exit(2)
	}
	s := *secret
	if s == "" {
		s = os.Getenv("CHAT_JWT_SECRET")
	}
	if s == "" {
		s = "dev-secret"
	}

	token, err := auth.GenerateToken(s, *user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
