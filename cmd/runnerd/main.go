package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/termrun/termrun/runnerd"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runnerd",
		Usage: "the daemon that executes programs for remote runner clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			listenAddr := ctx.String("listen-addr")
			levelStr := ctx.String("log-level")

			var level zapcore.Level
			if err := level.Set(levelStr); err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			server, err := runnerd.New(
				runnerd.WithListenAddr(listenAddr),
				runnerd.WithLogLevel(level),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				if err := server.Stop(); err != nil {
					log.Printf("error stopping server: %s", err)
				}
			}()

			return server.Run()
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
