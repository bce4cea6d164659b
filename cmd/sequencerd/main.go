package main

import (
	"log"

	sequencerd "sequencer/services/sequencerd"
)

func main() {
	if err := sequencerd.Main(); err != nil {
		log.Fatalf("sequencerd: %v", err)
	}
}
