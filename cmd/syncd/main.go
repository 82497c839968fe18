package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	listen := flag.String("listen", "", "serve the authority websocket endpoint on this address (loopback transport only)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Println("Error loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		fmt.Println("Error building engine:", err)
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err := srv.Start(ctx); err != nil {
		fmt.Println("Error starting engine:", err)
		os.Exit(1)
	}

	if *listen != "" {
		handler := srv.Handler()
		if handler == nil {
			fmt.Println("Authority endpoint requires the loopback transport")
		} else {
			go func() {
				if err := http.ListenAndServe(*listen, handler); err != nil {
					fmt.Println("Error serving authority endpoint:", err)
				}
			}()
		}
	}

	<-stopCh
	cancel()
	if err := srv.Stop(); err != nil {
		fmt.Println("Error stopping engine:", err)
	}
}
