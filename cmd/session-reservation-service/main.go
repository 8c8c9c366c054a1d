// Package main — точка входа session-reservation-service (HTTP + WebSocket).
package main

import (
	"log"

	"github.com/psds-microservice/session-reservation-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
