// Command democlient is a minimal subscriber harness for tycostreamd: it
// opens a rowUpdates(source, filter) subscription over graphql-transport-ws
// and prints each event to stdout until interrupted.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	gatewayURL := flag.String("gateway", "http://localhost:8080", "tycostreamd gateway base URL")
	source := flag.String("source", "", "source name to subscribe to (required)")
	filterExpr := flag.String("filter", "", "optional match filter expression")
	timeout := flag.Duration("timeout", 30*time.Second, "subscription operation timeout")
	flag.Parse()

	if *source == "" {
		fmt.Fprintln(os.Stderr, "democlient: -source is required")
		os.Exit(2)
	}

	client := NewClient(&Config{GatewayURL: *gatewayURL, Timeout: *timeout})
	defer client.Close()

	sub, err := client.Subscribe(*source, *filterExpr)
	if err != nil {
		log.Fatalf("democlient: %v", err)
	}
	log.Printf("subscribed to %q (id=%s), waiting for row updates", *source, sub.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				log.Println("subscription closed")
				return
			}
			printEvent(evt)

		case err, ok := <-sub.Errors:
			if !ok {
				continue
			}
			log.Printf("subscription error: %v", err)

		case <-sub.Done:
			log.Println("subscription done")
			return

		case <-sigCh:
			log.Println("interrupted, closing subscription")
			client.Unsubscribe(sub)
			<-sub.Done
			return
		}
	}
}

func printEvent(evt RowUpdate) {
	row, err := json.Marshal(evt.Row)
	if err != nil {
		log.Printf("%s <unmarshalable row: %v>", evt.Type, err)
		return
	}
	fmt.Printf("%s %s\n", evt.Type, row)
}
