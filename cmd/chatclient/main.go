// Package main is a terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/client"
	"github.com/coachhub/chat-realtime/internal/config"
	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

var (
	cfg        *config.ClientConfig
	serverURL  string
	token      string
	transports []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatclient",
		Short:         "Terminal client for coaching conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg = config.LoadClient()
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", cfg.ServerURL, "chat server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", cfg.Token, "bearer token (or CHAT_TOKEN)")
	rootCmd.PersistentFlags().StringSliceVar(&transports, "transports", cfg.Transports, "transport preference, most capable first")

	rootCmd.AddCommand(tokenCmd(), onlineCmd(), conversationsCmd(), sendCmd(), chatCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		name   string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Mint a development token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := middleware.IssueToken(secret, model.Identity{UserID: args[0], UserName: name, Role: role}, nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", cfg.JWTSecret, "signing secret (or JWT_SECRET)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "platform role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func onlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "List online users",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := newAPI()
			if err != nil {
				return err
			}
			users, err := api.Online(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%s\t%s\n", u.UserID, u.UserName)
			}
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List your conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := newAPI()
			if err != nil {
				return err
			}
			resp, err := api.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range resp.Conversations {
				name := c.Name
				if name == "" {
					name = "(direct)"
				}
				fmt.Printf("%s\t%s\t%s\n", c.ID, c.Kind, name)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversationId> <text>...",
		Short: "Send one message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := newAPI()
			if err != nil {
				return err
			}
			msg, _, err := api.SendMessage(cmd.Context(), args[0], &model.SendMessageRequest{
				Content:   strings.Join(args[1:], " "),
				ClientKey: uuid.NewString(),
			})
			if err != nil {
				return err
			}
			fmt.Println(msg.ID)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "chat <conversationId>",
		Short: "Open a conversation and chat from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := cfg.LogLevel
			if verbose {
				level = "debug"
			}
			log, err := logger.New(level)
			if err != nil {
				return err
			}
			defer log.Sync()
			return runChat(cmd.Context(), args[0], log)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")
	return cmd
}

func runChat(parent context.Context, conversationID string, log *logger.Logger) error {
	api, identity, err := newAPI()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := client.NewManager(client.ManagerConfig{
		BaseURL:           serverURL,
		Transports:        transports,
		OpenTimeout:       cfg.OpenTimeout,
		MaxRetries:        uint64(max(cfg.MaxRetries, 0)),
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}, client.Credentials{Identity: identity, Token: token}, client.WithManagerLogger(log))
	defer manager.Close()

	go func() {
		for sc := range manager.States() {
			switch sc.State {
			case client.StateConnected:
				fmt.Printf("* connected (%s)\n", sc.Transport)
			case client.StateDisconnected:
				fmt.Println("* disconnected, reconnecting")
			case client.StateFailed:
				fmt.Printf("* connection failed: %v\n", sc.Err)
			}
		}
	}()

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	session := client.NewSession(api, manager, log)
	view, err := session.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer view.Close()

	r := &renderer{self: identity.UserID, shown: make(map[string]client.Status)}
	r.render(view.Entries())
	go func() {
		for {
			select {
			case <-view.Changes():
				r.render(view.Entries())
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := view.Send(sendCtx, line, client.SendOptions{})
			cancel()
			if err != nil {
				log.Warn("message not sent", zap.Error(err))
			}
		}
	}
}

// renderer prints each entry once and reports status changes of own entries.
type renderer struct {
	self  string
	shown map[string]client.Status
}

func (r *renderer) render(entries []client.Entry) {
	for _, e := range entries {
		id := e.Key
		if id == "" {
			id = e.Message.ID
		}
		prev, seen := r.shown[id]
		if seen && prev == e.Status {
			continue
		}
		r.shown[id] = e.Status

		switch {
		case !seen:
			fmt.Printf("[%s] %s: %s%s\n", e.LocalTime.Local().Format("15:04"), e.Message.SenderName, e.Message.Content, suffix(e))
		case e.Status == client.StatusError:
			fmt.Printf("  ! not sent: %s (%v)\n", e.Message.Content, e.Err)
		}
	}
}

func suffix(e client.Entry) string {
	switch e.Status {
	case client.StatusSending:
		return " (sending)"
	case client.StatusError:
		return " (failed)"
	}
	if e.Message.Edited {
		return " (edited)"
	}
	return ""
}

// newAPI builds the persistence client and reads the identity from the
// token claims. The server verifies the token; the client only needs to
// know who it is.
func newAPI() (*client.API, model.Identity, error) {
	if token == "" {
		return nil, model.Identity{}, errors.New("no token: pass --token or set CHAT_TOKEN")
	}
	var claims middleware.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, model.Identity{}, fmt.Errorf("malformed token: %w", err)
	}
	api := client.NewAPI(serverURL, func() string { return token }, nil)
	return api, claims.Identity(), nil
}
