package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/runner"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentName string
		message   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent via the running daemon (WebSocket client mode).
Falls back to a standalone in-process runner when the daemon is not running.

Examples:
  agentd chat                          # Interactive REPL
  agentd chat --agent coder            # Chat with the "coder" agent
  agentd chat -m "What time is it?"    # One-shot message`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(agentName, message)
		},
	}

	cmd.Flags().StringVarP(&agentName, "agent", "a", config.DefaultAgentID, "agent id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

func runChat(agentName, message string) {
	cfg := loadConfig()
	setupLogging(cfg)
	agentName = config.NormalizeAgentID(agentName)

	if isDaemonRunning(cfg.Gateway.Addr) {
		fmt.Fprintf(os.Stderr, "Connected to agentd at %s\n", cfg.Gateway.Addr)
		runClientMode(cfg, agentName, message)
		return
	}

	fmt.Fprintln(os.Stderr, "Daemon not running, using standalone mode")
	runStandaloneMode(cfg, agentName, message)
}

func isDaemonRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// --- Client mode: drive a runner through the gateway ---

func runClientMode(cfg *config.Config, agentName, message string) {
	wsURL := fmt.Sprintf("ws://%s/ws", cfg.Gateway.Addr)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Falling back to standalone mode")
		runStandaloneMode(cfg, agentName, message)
		return
	}
	defer conn.Close()

	if err := wsRequest(conn, protocol.MethodConnect, map[string]any{"token": cfg.Gateway.Token}); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}
	if err := wsRequest(conn, protocol.MethodSubscribe, map[string]any{"agentId": agentName}); err != nil {
		fmt.Fprintf(os.Stderr, "Subscribe failed: %v\n", err)
		os.Exit(1)
	}

	sendAndStream := func(text string) {
		if err := wsRequest(conn, protocol.MethodChatSend, map[string]any{
			"agentId": agentName,
			"message": text,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			return
		}
		streamUntilSettled(conn)
	}

	if message != "" {
		sendAndStream(message)
		return
	}

	repl(agentName, sendAndStream)
}

// wsRequest performs one request/response exchange, skipping any event
// frames that arrive in between.
func wsRequest(conn *websocket.Conn, method string, params any) error {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	frame, _ := json.Marshal(protocol.RequestFrame{
		Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw,
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp struct {
			Type  string               `json:"type"`
			ID    string               `json:"id"`
			OK    bool                 `json:"ok"`
			Error *protocol.ErrorShape `json:"error"`
		}
		if json.Unmarshal(data, &resp) != nil {
			continue
		}
		if resp.Type != protocol.FrameTypeResponse || resp.ID != id {
			continue
		}
		if !resp.OK {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil
	}
}

// streamUntilSettled prints agent text deltas until the runner reports the
// loop finished (or errored).
func streamUntilSettled(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nConnection lost: %v\n", err)
			os.Exit(1)
		}

		var frame struct {
			Type    string          `json:"type"`
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &frame) != nil || frame.Type != protocol.FrameTypeEvent {
			continue
		}

		switch frame.Event {
		case protocol.EventAgent:
			var ev chat.AgentEvent
			if json.Unmarshal(frame.Payload, &ev) != nil {
				continue
			}
			switch ev.Type {
			case chat.EventTextDelta:
				fmt.Print(ev.Text)
			case chat.EventToolUseStart:
				fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", ev.ToolName)
			}

		case protocol.EventRunner:
			var payload struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if json.Unmarshal(frame.Payload, &payload) != nil {
				continue
			}
			switch payload.Type {
			case protocol.RunnerEventError:
				msg, _ := payload.Data["error"].(string)
				fmt.Fprintf(os.Stderr, "\n%s\n", formatAgentError(msg))
			case protocol.RunnerEventLoopComplete:
				fmt.Println()
				return
			}

		case protocol.EventShutdown:
			fmt.Fprintln(os.Stderr, "\nDaemon is shutting down")
			os.Exit(0)
		}
	}
}

// --- Standalone mode: in-process runner ---

func runStandaloneMode(cfg *config.Config, agentName, message string) {
	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %v\n", err)
		os.Exit(1)
	}

	providerReg := providers.NewRegistry()
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.CurrentTimeTool{})

	factory := runnerFactory(cfg, providerReg, toolReg, stores.Sessions, nil)
	runners := runner.NewRegistry(factory, stores.Sessions)
	defer runners.Shutdown()

	run, err := runners.GetOrCreate(context.Background(), agentName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating runner: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{}, 1)
	run.Subscribe("cli", func(ev runner.Event) {
		switch ev.Type {
		case runner.EventError:
			msg, _ := ev.Data["error"].(string)
			fmt.Fprintf(os.Stderr, "\n%s\n", formatAgentError(msg))
		case runner.EventLoopComplete:
			done <- struct{}{}
		}
	})
	run.SubscribeAgentEvents("cli", func(ev chat.AgentEvent) {
		switch ev.Type {
		case chat.EventTextDelta:
			fmt.Print(ev.Text)
		case chat.EventToolUseStart:
			fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", ev.ToolName)
		}
	})

	sendAndWait := func(text string) {
		if err := run.SendMessage(text); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			return
		}
		select {
		case <-done:
			fmt.Println()
		case <-time.After(5 * time.Minute):
			fmt.Fprintln(os.Stderr, "\nTimed out waiting for the agent")
		}
	}

	if message != "" {
		sendAndWait(message)
		return
	}

	repl(agentName, sendAndWait)
}

// repl reads lines from stdin and hands them to send until EOF or /quit.
func repl(agentName string, send func(string)) {
	fmt.Fprintf(os.Stderr, "Chatting with %q. /quit to exit.\n", agentName)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		send(line)
	}
}
