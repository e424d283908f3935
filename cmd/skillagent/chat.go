package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"skillagent/internal/agent"
)

func newChatCmd() *cobra.Command {
	var serverURL string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running skillagent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(serverURL, sessionID)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8020", "base URL of the skillagent server")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	return cmd
}

func runChat(serverURL, sessionID string) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}

	fmt.Println("skillagent chat — type a message, or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		answer, newSession, err := complete(serverURL, sessionID, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		sessionID = newSession

		rendered, err := renderer.Render(answer)
		if err != nil {
			fmt.Println(answer)
			continue
		}
		fmt.Print(rendered)
	}
	return scanner.Err()
}

// complete posts one message and consumes the SSE stream, printing skill
// activity as it happens and returning the final answer.
func complete(serverURL, sessionID, message string) (answer, session string, err error) {
	body, err := json.Marshal(map[string]any{
		"message":    message,
		"session_id": sessionID,
	})
	if err != nil {
		return "", sessionID, err
	}

	resp, err := http.Post(serverURL+"/agent/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", sessionID, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return "", sessionID, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	if id := resp.Header.Get("X-Session-ID"); id != "" {
		sessionID = id
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev agent.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case agent.EventSkillCall:
			fmt.Printf("  [running skill %s]\n", ev.SkillName)
		case agent.EventWarning:
			fmt.Printf("  [warning: %s]\n", ev.Content)
		case agent.EventAnswer:
			answer = ev.Content
		case agent.EventError:
			return "", sessionID, fmt.Errorf("%s", ev.Error)
		}
	}
	return answer, sessionID, scanner.Err()
}
