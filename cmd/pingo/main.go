// Command pingo is a terminal chat client. It joins one channel at a
// time over the websocket gateway, loads history over REST, and renders
// incoming messages to stdout while reading outgoing lines from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pingo/internal/app"
	"pingo/pkg/config"
	"pingo/pkg/logger"
	"pingo/pkg/session"
	"pingo/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	flags := config.ParseConfigFlags()

	eff, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(eff.Config.Logging.Level)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, "")
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	sess := a.Session()
	go renderUpdates(ctx, sess)
	go readInput(sess, cancel)

	select {
	case err := <-runErr:
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
	case <-ctx.Done():
		// give the session a moment to close the connection gracefully
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
		}
	}
}

// readInput turns stdin lines into session commands. A plain line is sent
// to the active chat.
func readInput(sess *session.Session, quit context.CancelFunc) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := sess.Send(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/join":
			if len(fields) != 3 {
				fmt.Println("usage: /join <server> <channel>")
				continue
			}
			sess.ActivateChannel(fields[2], fields[1])
		case "/dm":
			if len(fields) != 2 {
				fmt.Println("usage: /dm <conversation>")
				continue
			}
			sess.ActivateConversation(fields[1])
		case "/leave":
			sess.Disconnect()
		case "/quit":
			quit()
			return
		default:
			fmt.Printf("unknown command %s\n", fields[0])
		}
	}
	quit()
}

// renderUpdates consumes the session's change feed and repaints the
// relevant slices of state.
func renderUpdates(ctx context.Context, sess *session.Session) {
	// rendered messages per chat; a shrinking log means the history page
	// replaced the cache, so repaint from the top.
	rendered := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-sess.Updates():
			switch u.Kind {
			case session.UpdateStatus:
				fmt.Printf("* connection: %s\n", sess.Status())
			case session.UpdateError:
				if msg := sess.LastError(); msg != "" {
					fmt.Printf("! %s\n", msg)
				}
			case session.UpdateMessages:
				if u.ChatID != sess.Active().ID {
					continue
				}
				msgs := sess.Messages(u.ChatID)
				from := rendered[u.ChatID]
				if from > len(msgs) {
					from = 0
				}
				for _, m := range msgs[from:] {
					marker := ""
					if m.Optimistic {
						marker = " (sending)"
					}
					fmt.Printf("[%s] %s: %s%s\n",
						m.CreatedAt.Local().Format("15:04"),
						m.Author.DisplayName, m.Content, marker)
				}
				rendered[u.ChatID] = len(msgs)
			case session.UpdateUnread:
				if n := sess.UnreadCount(u.ChatID); n > 0 {
					fmt.Printf("* %d unread in %s\n", n, u.ChatID)
				}
			case session.UpdateTyping:
				users := sess.TypingUsers(u.ChatID)
				if len(users) > 0 && u.ChatID == sess.Active().ID {
					names := make([]string, 0, len(users))
					for _, a := range users {
						names = append(names, a.DisplayName)
					}
					fmt.Printf("* typing: %s\n", strings.Join(names, ", "))
				}
			}
		}
	}
}
