// Command wsclient is a simple WebSocket test client for the agentdeck
// bridge. It prints every frame the bridge broadcasts and forwards stdin
// lines as prompt commands.
//
// Usage: go run ./cmd/wsclient ws://127.0.0.1:8791/acp [token]
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

func main() {
	url := "ws://127.0.0.1:8791/acp"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	var header http.Header
	if len(os.Args) > 2 {
		header = http.Header{"Authorization": []string{"Bearer " + os.Args[2]}}
	}

	fmt.Printf("Connecting to %s...\n", url)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Println("Connected. Lines typed here are sent as prompts.")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					fmt.Printf("Read error: %v\n", err)
				}
				return
			}
			var msg struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Printf("Raw: %s\n", data)
				continue
			}
			fmt.Printf("[%s] %s\n", msg.Type, msg.Payload)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			payload, _ := json.Marshal(map[string]string{"text": scanner.Text()})
			frame, _ := json.Marshal(map[string]json.RawMessage{
				"type":    json.RawMessage(`"prompt"`),
				"payload": payload,
			})
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		fmt.Println("\nClosing connection...")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
