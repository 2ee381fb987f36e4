// Command watch subscribes to a running tracker and prints price updates as
// they arrive. Useful for smoke-testing the socket from a terminal.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pierreribeiro/crypto-price-tracker/internal/broker"
	"github.com/pierreribeiro/crypto-price-tracker/internal/wsclient"
	"github.com/pierreribeiro/crypto-price-tracker/pkg/logger"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/ws", "tracker WebSocket URL")
	ids := flag.String("ids", "", "comma-separated cryptocurrency ids (empty = all)")
	sparkline := flag.Bool("sparkline", false, "include sparkline series in updates")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log := logger.New(logger.Config{Level: *level, Pretty: true})

	var scope []string
	if *ids != "" {
		scope = strings.Split(*ids, ",")
	}

	link := wsclient.New(wsclient.Config{
		URL:              *url,
		Cryptocurrencies: scope,
		IncludeSparkline: *sparkline,
		OnUpdate: func(update broker.PriceUpdate) {
			freshness := update.Metadata.DataFreshness
			if freshness == "" {
				freshness = broker.FreshnessFresh
			}
			fmt.Printf("--- %s update (%d items, source=%s, %s)\n",
				update.Metadata.UpdateType,
				update.Metadata.Count,
				update.Metadata.DataSource,
				freshness,
			)
			for _, quote := range update.Data {
				fmt.Printf("  %-12s %12.4f USD  %+6.2f%%\n",
					quote.Symbol, quote.CurrentPrice, quote.PriceChangePercent24h)
			}
		},
		OnStateChange: func(state wsclient.LinkState) {
			fmt.Printf("link state: %s\n", state)
		},
	}, log)

	if err := link.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "initial connect failed: %v (retrying in background)\n", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	link.Disconnect()
}
