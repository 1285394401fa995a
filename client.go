package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/protocol"
	"HandoverDesk/internal/wsclient"
)

func newClientCmd() *cobra.Command {
	var (
		base      string
		role      string
		sessionID string
		userID    string
		agentID   string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive user or agent chat client",
		Long: `Connects to a running server and reads commands from stdin.

User role: plain lines are chat messages, /human requests an agent, /close ends the chat.
Agent role: /takeover <session>, /reply <session> <text>, /close <session>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var url string
			switch protocol.Role(role) {
			case protocol.RoleUser:
				if sessionID == "" {
					sessionID = string(domain.NewSessionID())
				}
				url = wsclient.UserURL(base, sessionID, userID)
			case protocol.RoleAgent:
				if agentID == "" {
					return errors.New("--agent is required for the agent role")
				}
				url = wsclient.AgentURL(base, agentID)
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			cfg := wsclient.DefaultClientConfig(url, protocol.Role(role))
			cfg.Token = token
			return runClient(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&base, "url", "ws://127.0.0.1:18080", "chat server base URL")
	cmd.Flags().StringVar(&role, "role", string(protocol.RoleUser), "user or agent")
	cmd.Flags().StringVar(&sessionID, "session", "", "user session id (default: a new UUID)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&token, "token", os.Getenv("HANDOVER_AGENT_TOKEN"), "agent token")
	return cmd
}

func runClient(ctx context.Context, cfg *wsclient.ClientConfig, in io.Reader, out io.Writer) error {
	client := wsclient.New(cfg)
	client.SetEventHandler(func(env *protocol.Envelope) {
		fmt.Fprintln(out, formatEvent(env))
	})
	client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		fmt.Fprintf(out, "* %s -> %s\n", oldState, newState)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	fmt.Fprintf(out, "* connected to %s\n", cfg.URL)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := runCommand(client, cfg.Role, strings.TrimSpace(line)); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func runCommand(client *wsclient.Client, role protocol.Role, line string) error {
	if line == "" {
		return nil
	}
	if role == protocol.RoleUser {
		switch line {
		case "/human":
			return client.RequestHuman()
		case "/close":
			return client.CloseSession("")
		}
		return client.SendMessage(line)
	}

	fields := strings.SplitN(line, " ", 3)
	switch {
	case fields[0] == "/takeover" && len(fields) >= 2:
		return client.Takeover(fields[1])
	case fields[0] == "/reply" && len(fields) == 3:
		return client.Reply(fields[1], fields[2])
	case fields[0] == "/close" && len(fields) >= 2:
		return client.CloseSession(fields[1])
	}
	return fmt.Errorf("unknown command %q", line)
}

func formatEvent(env *protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeError:
		return fmt.Sprintf("[error] %s: %s", env.Code, env.Message)
	case protocol.TypeNewAlert:
		return fmt.Sprintf("[alert] session %s (user %s) needs an agent: %s", env.SessionID, env.UserID, env.Reason)
	case protocol.TypeAlertWithdrawn:
		return fmt.Sprintf("[withdrawn] session %s (%s)", env.SessionID, env.Reason)
	case protocol.TypeTakenOver:
		return fmt.Sprintf("[taken over] session %s, %d messages of history", env.SessionID, len(env.History))
	case protocol.TypeUserMessage:
		return fmt.Sprintf("[%s] user: %s", env.SessionID, env.Message)
	case protocol.TypeSessionClosed:
		return fmt.Sprintf("[closed] session %s: %s", env.SessionID, env.Message)
	}
	return fmt.Sprintf("[%s] %s", env.Type, env.Message)
}
