// ABOUTME: Minimal stub agent for E2E testing — speaks the line-delimited JSON agent protocol on stdio.
// ABOUTME: Echoes messages with markdown and exercises tool calls on request.

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// frame mirrors the adapter's wire envelope. One JSON object per line.
type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Text string `json:"text,omitempty"`

	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	Message string `json:"message,omitempty"`
}

type completionParams struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	} `json:"tools,omitempty"`
}

type agent struct {
	writeMu sync.Mutex
	out     *bufio.Writer

	// completion state: tool results and cancels arrive on the read loop
	// while a completion streams from its own goroutine.
	mu          sync.Mutex
	toolResults chan frame
	cancelled   chan struct{}

	chunkDelay time.Duration
}

func main() {
	delay := flag.Duration("chunk-delay", 50*time.Millisecond, "delay between streamed chunks")
	flag.Parse()

	a := &agent{
		out:        bufio.NewWriter(os.Stdout),
		chunkDelay: *delay,
	}
	if err := a.run(); err != nil {
		log.Fatal(err)
	}
}

func (a *agent) run() error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			fmt.Fprintf(os.Stderr, "bad frame: %v\n", err)
			continue
		}

		switch f.Type {
		case "initialize":
			result, _ := json.Marshal(map[string]string{"session_id": uuid.New().String()})
			a.send(frame{Type: "response", ID: f.ID, Result: result})

		case "completion":
			var params completionParams
			if err := json.Unmarshal(f.Params, &params); err != nil {
				a.send(frame{Type: "error", Message: fmt.Sprintf("bad completion params: %v", err)})
				continue
			}
			results := make(chan frame, 1)
			cancelled := make(chan struct{})
			a.mu.Lock()
			a.toolResults = results
			a.cancelled = cancelled
			a.mu.Unlock()
			go a.complete(params, results, cancelled)

		case "tool_result":
			a.mu.Lock()
			results := a.toolResults
			a.mu.Unlock()
			if results != nil {
				select {
				case results <- f:
				default:
				}
			}

		case "cancel":
			a.mu.Lock()
			if a.cancelled != nil {
				select {
				case <-a.cancelled:
				default:
					close(a.cancelled)
				}
			}
			a.mu.Unlock()

		case "shutdown":
			return nil

		default:
			fmt.Fprintf(os.Stderr, "unknown frame type: %s\n", f.Type)
		}
	}
	return scanner.Err()
}

// complete streams an echo reply. When the prompt asks for a tool and the
// request carries one, it round-trips a tool call first.
func (a *agent) complete(params completionParams, results chan frame, cancelled chan struct{}) {
	var input string
	for _, m := range params.Messages {
		if m.Role == "user" {
			input = m.Content
		}
	}

	if strings.Contains(strings.ToLower(input), "tool") && len(params.Tools) > 0 {
		tool := params.Tools[0]
		args, _ := json.Marshal(map[string]string{"query": input})
		a.send(frame{Type: "tool_call", ID: uuid.New().String(), Name: tool.Name, Args: args})

		select {
		case res := <-results:
			if res.Message != "" {
				a.send(frame{Type: "chunk", Text: fmt.Sprintf("Tool `%s` failed: %s\n\n", tool.Name, res.Message)})
			} else {
				a.send(frame{Type: "chunk", Text: fmt.Sprintf("Tool `%s` returned: %s\n\n", tool.Name, string(res.Result))})
			}
		case <-cancelled:
			return
		case <-time.After(30 * time.Second):
			a.send(frame{Type: "error", Message: "timed out waiting for tool result"})
			return
		}
	}

	for _, chunk := range echoChunks(input) {
		select {
		case <-cancelled:
			return
		default:
		}
		a.send(frame{Type: "chunk", Text: chunk})
		time.Sleep(a.chunkDelay)
	}

	a.send(frame{Type: "done"})
}

func (a *agent) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		return
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.out.Write(data)
	a.out.WriteByte('\n')
	a.out.Flush()
}

func echoChunks(input string) []string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return []string{
			"Here is a **markdown** response:\n\n",
			"- First item\n- Second item with `code`\n- Third item\n\n",
			"> This is a blockquote.\n",
		}
	}
	return []string{
		fmt.Sprintf("Echo: **%s**\n\n", input),
		"I received your message and am responding with some *formatted* text.",
	}
}
