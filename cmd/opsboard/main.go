package main

import (
	"log"

	"github.com/opsboard/opsboard/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
