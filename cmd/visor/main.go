package main

import (
	"log"

	"github.com/dcSpark/urbit-visor/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
