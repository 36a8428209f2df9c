package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/relaychat/internal/client"
	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	url       string
	api       string
	user      string
	token     string
	jwtSecret string
	to        string
	group     string
	logLevel  string
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	flag.StringVar(&opts.api, "api", "http://localhost:8080", "messages API base URL")
	flag.StringVar(&opts.user, "user", "", "identity to chat as (required)")
	flag.StringVar(&opts.token, "token", "", "handshake token, if the relay verifies tokens")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", "", "issue a handshake token locally with this HMAC secret")
	flag.StringVar(&opts.to, "to", "", "peer to chat with")
	flag.StringVar(&opts.group, "group", "", "group to chat in")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	conv := client.Conversation{Peer: opts.to, Group: opts.group}
	if opts.user == "" || conv.Validate() != nil {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user NAME (-to PEER | -group ID)")
		os.Exit(2)
	}

	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, conv, logger); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(logging.Fail(logger, "chat client exited with error", err, stop))
	}
}

func run(ctx context.Context, opts options, conv client.Conversation, logger *zap.Logger) error {
	token := opts.token
	if token == "" && opts.jwtSecret != "" {
		auth, err := server.NewJWTAuthenticator([]byte(opts.jwtSecret), "HS256")
		if err != nil {
			return err
		}
		if token, err = auth.Issue(opts.user, 24*time.Hour); err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}

	var rec *client.Reconciler
	conn := client.NewConn(client.ConnConfig{
		URL:      opts.url,
		Identity: opts.user,
		Token:    token,
		Retry:    client.DefaultRetryPolicy(),
	}, func(env envelope.Envelope) { rec.HandleEnvelope(env) },
		client.WithConnLogger(logger),
		client.WithOnConnect(func() {
			// Catch up on whatever arrived while disconnected.
			if err := rec.Open(ctx, conv); err != nil {
				logger.Warn("refresh conversation", zap.Error(err))
			}
		}))
	rec = client.NewReconciler(opts.user, client.NewHTTPPersister(opts.api, nil), conn, client.WithLogger(logger))

	rec.OnChange(func(m client.LocalMessage) { printMessage(opts.user, m) })
	rec.OnTyping(func(ids []string) {
		if len(ids) > 0 {
			fmt.Printf("  %s typing...\n", strings.Join(ids, ", "))
		}
	})

	if err := rec.Open(ctx, conv); err != nil {
		return err
	}
	fmt.Printf("chatting as %s in %s; /retry ID, /discard ID, /quit\n", opts.user, conv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Run(gctx)
	})
	g.Go(func() error {
		defer conn.Close()
		return readInput(gctx, rec)
	})
	return g.Wait()
}

func readInput(ctx context.Context, rec *client.Reconciler) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
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
			if quit := handleLine(ctx, rec, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, rec *client.Reconciler, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/retry":
		_, err = rec.Retry(ctx, arg)
	case "/discard":
		err = rec.Discard(arg)
	default:
		_, err = rec.Submit(ctx, line)
	}
	if err != nil {
		fmt.Printf("  ! %v\n", err)
	}
	return false
}

func printMessage(self string, m client.LocalMessage) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	id := shortID(m.ID)
	if m.Status == client.StatusPending {
		id = m.ID
	}
	fmt.Printf("[%s] %-9s %s: %s (%s)\n",
		m.CreatedAt.Local().Format("15:04:05"), m.Status, who, m.Content, id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
