// Manual harness for exercising submit/cancel against a running server.
// Usage: go run ./scripts/test-ws-cancel -project <id> [-instruction "..."] [-cancel-after 5s]
//
// Dials the project's WebSocket, submits one instruction, prints every frame,
// and cancels the run after the configured delay (or on Enter when the delay
// is zero). Exits when the run reaches a terminal status.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/hub"
)

var (
	baseURL     = flag.String("url", "ws://localhost:8080", "Server base URL")
	projectID   = flag.String("project", "", "Project ID (required)")
	agentName   = flag.String("agent", "", "Agent to run (empty uses the project preference)")
	instruction = flag.String("instruction", "sleep for a while, then say done", "Instruction to submit")
	cancelAfter = flag.Duration("cancel-after", 5*time.Second, "Cancel delay; 0 waits for Enter")
	fromSeq     = flag.Int64("from-seq", -1, "Replay from this seq instead of the default tail")
)

func main() {
	flag.Parse()
	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "-project is required")
		os.Exit(1)
	}

	url := fmt.Sprintf("%s/ws/%s", *baseURL, *projectID)
	if *fromSeq >= 0 {
		url = fmt.Sprintf("%s?from_seq=%d", url, *fromSeq)
	}
	fmt.Printf("=== Cancel harness: %s ===\n\n", url)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// requestID arrives on the submitted ack; terminal fires on the final
	// status frame for that request.
	requestID := make(chan string, 1)
	terminal := make(chan string, 1)
	go readFrames(conn, requestID, terminal)

	submit, err := hub.NewEnvelope(hub.FrameSubmit, hub.SubmitPayload{
		Instruction: *instruction,
		Agent:       *agentName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build submit: %v\n", err)
		os.Exit(1)
	}
	if err := conn.WriteJSON(submit); err != nil {
		fmt.Fprintf(os.Stderr, "send submit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(">>> submitted %q\n", *instruction)

	var id string
	select {
	case id = <-requestID:
		fmt.Printf(">>> request id: %s\n", id)
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "no submitted ack within 10s")
		os.Exit(1)
	}

	if *cancelAfter > 0 {
		fmt.Printf(">>> cancelling in %s\n", *cancelAfter)
		time.Sleep(*cancelAfter)
	} else {
		fmt.Println(">>> press Enter to cancel")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	}

	cancel, err := hub.NewEnvelope(hub.FrameCancel, hub.CancelPayload{RequestID: id})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build cancel: %v\n", err)
		os.Exit(1)
	}
	if err := conn.WriteJSON(cancel); err != nil {
		fmt.Fprintf(os.Stderr, "send cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(">>> cancel sent for %s\n", id)

	select {
	case phase := <-terminal:
		fmt.Printf("\n=== run ended: %s ===\n", phase)
	case <-time.After(60 * time.Second):
		fmt.Fprintln(os.Stderr, "no terminal status within 60s")
		os.Exit(1)
	}
}

// readFrames prints every frame and signals the submitted ack and the
// terminal status.
func readFrames(conn *websocket.Conn, requestID chan<- string, terminal chan<- string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		if string(raw) == "pong" {
			continue
		}

		var env hub.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			fmt.Printf("<<< unparseable frame: %s\n", raw)
			continue
		}

		switch env.Type {
		case hub.FrameSubmitted:
			var ack hub.SubmittedPayload
			if err := env.ParseData(&ack); err == nil {
				requestID <- ack.RequestID
			}
		case string(agent.EventStatus):
			var body agent.StatusBody
			if err := env.ParseData(&body); err != nil {
				continue
			}
			fmt.Printf("<<< [%d] status %s %s\n", env.Seq, body.Phase, env.RequestID)
			switch body.Phase {
			case agent.PhaseComplete, agent.PhaseCancelled, agent.PhaseFailed:
				terminal <- string(body.Phase)
				return
			}
		case string(agent.EventAssistantText):
			var body agent.AssistantTextBody
			if err := env.ParseData(&body); err != nil {
				continue
			}
			fmt.Printf("<<< [%d] assistant: %s\n", env.Seq, body.Text)
		case string(agent.EventToolCall):
			var body agent.ToolCallBody
			if err := env.ParseData(&body); err != nil {
				continue
			}
			fmt.Printf("<<< [%d] tool call %s (%s)\n", env.Seq, body.Tool, body.CallID)
		case string(agent.EventToolResult):
			var body agent.ToolResultBody
			if err := env.ParseData(&body); err != nil {
				continue
			}
			fmt.Printf("<<< [%d] tool result %s ok=%v\n", env.Seq, body.CallID, body.OK)
		default:
			fmt.Printf("<<< [%d] %s %s\n", env.Seq, env.Type, env.Data)
		}
	}
}
