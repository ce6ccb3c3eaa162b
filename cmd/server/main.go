package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/digsync/internal/server"
	"github.com/dmitrijs2005/digsync/internal/server/config"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
)

const usage = `usage:
  server [flags]                       run the sync server
  server token <author_uuid> <device>  print an access token for a device`

func main() {

	cfg := config.LoadConfig()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if len(os.Args) < 4 {
			log.Fatal(usage)
		}
		token, err := exchange.NewAuthenticator(cfg.SecretKey, cfg.TokenValidityDuration, cfg.RequireAuth).Issue(os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
