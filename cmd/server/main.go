package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/posync/internal/server"
	"github.com/dmitrijs2005/posync/internal/server/config"
)

func main() {

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
