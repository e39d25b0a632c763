package main

import (
	"github.com/eleven-am/audio-bridge/internal/bootstrap"
)

func main() {
	bootstrap.Run()
}
