package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/wationgarbarad/ouroboros/internal/config"
)

// chatCmd is the local console bridge: a terminal chat session against the
// running supervisor over the WebSocket surface. Control commands
// (/status, /restart, ...) pass straight through.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "config:", err)
				os.Exit(1)
			}
			if err := runChat(cfg); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func runChat(cfg *config.Config) error {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Path:   "/ws",
	}
	if cfg.Gateway.Token != "" {
		u.RawQuery = "token=" + url.QueryEscape(cfg.Gateway.Token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w (is `ouroboros serve` running?)", u.Host, err)
	}
	defer conn.Close()

	// Reader: print chat events as they stream in.
	go func() {
		for {
			var frame struct {
				Type    string          `json:"type"`
				Name    string          `json:"name"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				fmt.Fprintln(os.Stderr, "\nconnection closed:", err)
				os.Exit(1)
			}
			if frame.Type != "event" || frame.Name != "chat" {
				continue
			}
			var payload struct {
				Content string `json:"content"`
			}
			if json.Unmarshal(frame.Payload, &payload) == nil && payload.Content != "" {
				fmt.Printf("\n🐍 %s\n> ", payload.Content)
			}
		}
	}()

	fmt.Println("Connected. Type a message, /status, /restart … (ctrl-d to quit)")
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if err := conn.WriteJSON(map[string]string{"type": "chat", "text": text}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Print("> ")
	}
	return nil
}
