package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mkorolev/listsync/internal/client/cli"
	"github.com/mkorolev/listsync/internal/client/config"
)

// positionalArgs strips config flags and their values, leaving the command
// and its arguments. Every supported flag takes a value.
func positionalArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Run(ctx, positionalArgs(os.Args[1:])); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
