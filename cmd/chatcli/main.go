package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dmsync/internal/reconciler"
	"dmsync/internal/services"
	"dmsync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const help = `commands:
  /open <user>     open the conversation with user
  /peers           list conversations, most recent first
  /typing          announce typing to the open peer
  /resend <ref>    resend a failed message
  /quit            exit
anything else is sent to the open peer`

// printer writes what changed between snapshots.
type printer struct {
	mu      sync.Mutex
	seen    map[int64]bool
	typing  bool
	lastErr string
	open    string
}

func (p *printer) render(s reconciler.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.OpenPeer != p.open {
		p.open = s.OpenPeer
		p.typing = false
	}
	for _, m := range s.Timeline {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.SenderID, m.Content)
	}
	if peer, ok := s.Peer(s.OpenPeer); ok && peer.Typing != p.typing {
		p.typing = peer.Typing
		if p.typing {
			fmt.Printf("%s is typing...\n", s.OpenPeer)
		}
	}
	if s.LastError != "" && s.LastError != p.lastErr {
		p.lastErr = s.LastError
		fmt.Printf("! %s\n", s.LastError)
	}
}

func run(ctx context.Context) error {
	serverURL := flag.String("server", "http://localhost:8080", "API base URL")
	token := flag.String("token", "", "access token")
	user := flag.String("user", "", "issue a token for this user with -secret (development only)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used with -user")
	flag.Parse()

	l := logger.New(logger.DevelopmentMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	if *token == "" {
		if *user == "" || *secret == "" {
			return errors.New("either -token or -user with -secret is required")
		}
		issued, err := services.NewAuthService(*secret).IssueAccessToken(*user, 24*time.Hour)
		if err != nil {
			return err
		}
		*token = issued
	}

	claims, err := services.NewAuthService(*secret).ParseAccessToken(*token)
	self := *user
	if err == nil {
		self = claims.Identity()
	}
	if self == "" {
		return errors.New("cannot determine identity; pass -user")
	}

	base, err := url.Parse(*serverURL)
	if err != nil {
		return fmt.Errorf("bad -server: %w", err)
	}
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = strings.TrimRight(base.Path, "/") + "/v1/ws"

	history := reconciler.NewHTTPHistory(base.String(), *token)
	session := reconciler.NewSession(wsURL.String(), *token, reconciler.SessionHandlers{})
	rec := reconciler.New(self, session, history, reconciler.Options{})
	session.Attach(rec)

	p := &printer{seen: make(map[int64]bool)}
	unsubscribe := rec.Subscribe(p.render)
	defer unsubscribe()

	if err := rec.LoadPeers(ctx); err != nil {
		fmt.Printf("! %v\n", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gCtx)
	})
	g.Go(func() error {
		return repl(gCtx, rec)
	})
	return g.Wait()
}

var errQuit = errors.New("quit")

func repl(ctx context.Context, rec *reconciler.Reconciler) error {
	fmt.Println(help)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return errQuit
		case "/open":
			if err := rec.SelectPeer(ctx, strings.TrimSpace(arg)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/peers":
			for i, peer := range rec.Snapshot().Peers {
				fmt.Printf("%2d. %s (%d unread)\n", i+1, peer.PeerID, peer.Unread)
			}
		case "/typing":
			if err := rec.Keystroke("..."); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/resend":
			if _, err := rec.Resend(strings.TrimSpace(arg)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			if strings.HasPrefix(cmd, "/") {
				fmt.Println(help)
				continue
			}
			if _, err := rec.Send(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, errQuit) {
		log.Fatalf("chatcli: %v", err)
	}
}
