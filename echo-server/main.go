package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
)

// Standalone media peer for manual testing. It accepts the bridge's
// websocket dial, logs the start envelope, and echoes every media payload
// back on the opposite track.

type mediaBody struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Chunk     uint32 `json:"chunk"`
	Payload   string `json:"payload"`
}

type envelope struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	StreamID       string          `json:"stream_id,omitempty"`
	Event          string          `json:"event"`
	Start          json.RawMessage `json:"start,omitempty"`
	Media          *mediaBody      `json:"media,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func otherTrack(track string) string {
	if track == "inbound" {
		return "outbound"
	}
	return "inbound"
}

func handleMedia(w http.ResponseWriter, r *http.Request) {
	if user := os.Getenv("ECHO_USER"); user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != os.Getenv("ECHO_PASS") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ECHO] upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("[ECHO] peer connected from %s", r.RemoteAddr)

	var seq atomic.Uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[ECHO] read ended: %v", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[ECHO] bad envelope: %v", err)
			continue
		}

		switch env.Event {
		case "start":
			log.Printf("[ECHO] stream %s started: %s", env.StreamID, string(env.Start))
		case "stop":
			log.Printf("[ECHO] stream %s stopped", env.StreamID)
			return
		case "media":
			if env.Media == nil {
				continue
			}
			reply := envelope{
				SequenceNumber: seq.Add(1),
				StreamID:       env.StreamID,
				Event:          "media",
				Media: &mediaBody{
					Track:     otherTrack(env.Media.Track),
					Timestamp: env.Media.Timestamp,
					Chunk:     env.Media.Chunk,
					Payload:   env.Media.Payload,
				},
			}
			out, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				log.Printf("[ECHO] write failed: %v", err)
				return
			}
		default:
			log.Printf("[ECHO] event %q seq %d", env.Event, env.SequenceNumber)
		}
	}
}

func main() {
	port := 8081
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	http.HandleFunc("/media", handleMedia)

	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("[ECHO] listening on ws://localhost%s/media\n", addr)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("[ECHO] shutting down")
}
