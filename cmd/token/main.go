// Command token mints an operator API bearer token for an actor id.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/kinovino/rosterbot/config"
	"github.com/kinovino/rosterbot/internal/auth"
)

func main() {
	actorID := pflag.Int64("actor-id", 0, "Telegram user id the token acts as (required)")
	secret := pflag.String("secret", "", "signing secret (default: JWT_SECRET from the environment)")
	hours := pflag.Int("hours", 0, "lifetime in hours (default: JWT_EXPIRE_HOURS)")
	pflag.Parse()

	if *actorID <= 0 {
		fmt.Fprintln(os.Stderr, "token: --actor-id is required")
		pflag.Usage()
		os.Exit(2)
	}
	if *secret == "" || *hours <= 0 {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "token: load config:", err)
			os.Exit(1)
		}
		if *secret == "" {
			*secret = cfg.JWT.Secret
		}
		if *hours <= 0 {
			*hours = cfg.JWT.ExpireHours
		}
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "token: no secret (pass --secret or set JWT_SECRET)")
		os.Exit(1)
	}

	token, err := auth.NewJWTService(*secret, *hours).Generate(*actorID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
