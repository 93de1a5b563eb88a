package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/dmhub/internal/admin"
	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/client"
	"github.com/matheus3301/dmhub/internal/config"
	"github.com/matheus3301/dmhub/internal/datadir"
	"github.com/matheus3301/dmhub/internal/lock"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	dataDir string
	config  *config.Config
	jsonOut bool
	hubURL  string
	as      string
	ttl     time.Duration
}

func main() {
	dataDirFlag := pflag.String("data-dir", "", "data directory (overrides $"+datadir.EnvVar+")")
	configFlag := pflag.String("config", "", "config file (default <data-dir>/config.toml)")
	jsonFlag := pflag.Bool("json", false, "output in JSON format")
	hubFlag := pflag.String("hub", "http://127.0.0.1:8080", "public hub base URL")
	asFlag := pflag.String("as", "", "user id to act as for send and history")
	ttlFlag := pflag.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	pflag.Usage = printUsage
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	dir := datadir.Resolve(*dataDirFlag)
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = datadir.ConfigPath(dir)
	}
	cfg, err := config.Resolve(context.Background(), cfgPath)
	if err != nil {
		fatal(err)
	}
	opts := options{
		dataDir: dir,
		config:  cfg,
		jsonOut: *jsonFlag,
		hubURL:  strings.TrimRight(*hubFlag, "/"),
		as:      *asFlag,
		ttl:     *ttlFlag,
	}
	if opts.ttl <= 0 {
		opts.ttl = cfg.Auth.TokenTTL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status", "online", "presence", "set-status":
		runAdmin(ctx, opts, args)
	case "token":
		requireArgs(args, 2, "dmhubctl token <user>")
		token, err := mintToken(opts, args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Println(token)
	case "send":
		requireArgs(args, 3, "dmhubctl --as <user> send <to> <text>")
		cmdSend(ctx, opts, args[1], strings.Join(args[2:], " "))
	case "history":
		requireArgs(args, 2, "dmhubctl --as <user> history <peer>")
		cmdHistory(ctx, opts, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dmhubctl [--data-dir <dir>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show hub stats")
	fmt.Fprintln(os.Stderr, "  online                      List online users")
	fmt.Fprintln(os.Stderr, "  presence <user>             Show a user's presence")
	fmt.Fprintln(os.Stderr, "  set-status <user> <status>  Set a user's status (online, away, offline)")
	fmt.Fprintln(os.Stderr, "  token <user>                Mint an access token with the configured secret")
	fmt.Fprintln(os.Stderr, "  send <to> <text>            Send a message (requires --as)")
	fmt.Fprintln(os.Stderr, "  history <peer>              Show a conversation (requires --as)")
	fmt.Fprintln(os.Stderr, "")
	pflag.PrintDefaults()
}

func runAdmin(ctx context.Context, opts options, args []string) {
	holder, err := lock.Inspect(opts.dataDir)
	if err != nil {
		fatal(err)
	}
	if holder == nil {
		fatal(fmt.Errorf("no daemon running in %s", opts.dataDir))
	}
	socketPath := opts.config.AdminSocket
	if socketPath == "" {
		socketPath = datadir.SocketPath(opts.dataDir)
	}
	conn, err := admin.Dial(socketPath)
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon in %s: %w", opts.dataDir, err))
	}
	defer func() { _ = conn.Close() }()
	c := admin.NewClient(conn)

	switch args[0] {
	case "status":
		stats, err := c.GetStats(ctx)
		if err != nil {
			fatal(err)
		}
		if opts.jsonOut {
			outputJSON(struct {
				admin.Stats
				PID    int
				Listen string
			}{stats, holder.PID, holder.Listen})
			return
		}
		fmt.Printf("PID:         %d\n", holder.PID)
		if holder.Listen != "" {
			fmt.Printf("Listen:      %s\n", holder.Listen)
		}
		fmt.Printf("Users:       %d\n", stats.Users)
		fmt.Printf("Connections: %d\n", stats.Connections)
		fmt.Printf("Messages:    %d\n", stats.Messages)
		fmt.Printf("Schema:      v%d\n", stats.SchemaVersion)
		fmt.Printf("Uptime:      %s\n", stats.Uptime.Round(time.Second))
	case "online":
		users, err := c.ListOnline(ctx)
		if err != nil {
			fatal(err)
		}
		if opts.jsonOut {
			outputJSON(users)
			return
		}
		if len(users) == 0 {
			fmt.Println("No users online.")
			return
		}
		for _, u := range users {
			fmt.Println(u)
		}
	case "presence":
		requireArgs(args, 2, "dmhubctl presence <user>")
		p, err := c.GetPresence(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if opts.jsonOut {
			outputJSON(p)
			return
		}
		fmt.Printf("User:        %s\n", p.UserID)
		fmt.Printf("Status:      %s\n", p.Status)
		fmt.Printf("Connections: %d\n", len(p.Connections))
		fmt.Printf("Unread:      %d\n", p.Unread)
		if !p.LastSeen.IsZero() {
			fmt.Printf("Last seen:   %s\n", p.LastSeen.Local().Format(time.RFC3339))
		}
	case "set-status":
		requireArgs(args, 3, "dmhubctl set-status <user> <status>")
		if err := c.SetStatus(ctx, args[1], args[2]); err != nil {
			fatal(err)
		}
		fmt.Printf("%s is now %s\n", args[1], args[2])
	}
}

func mintToken(opts options, userID string) (string, error) {
	a := opts.config.Auth
	v, err := auth.NewVerifier(auth.Options{
		Secret:   a.Secret,
		Issuer:   a.Issuer,
		Audience: a.Audience,
		Leeway:   a.Leeway,
	})
	if err != nil {
		return "", err
	}
	return v.Issue(userID, opts.ttl)
}

func tokenSource(opts options) client.TokenSource {
	return func(context.Context) (string, error) {
		if opts.as == "" {
			return "", fmt.Errorf("--as is required")
		}
		return mintToken(opts, opts.as)
	}
}

func hubWebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/hub"
	return u.String(), nil
}

func cmdSend(ctx context.Context, opts options, to, text string) {
	wsURL, err := hubWebsocketURL(opts.hubURL)
	if err != nil {
		fatal(err)
	}
	sess, err := client.NewSession(client.Options{
		Dialer: &client.WebsocketDialer{URL: wsURL},
		Token:  tokenSource(opts),
		Logger: zap.NewNop(),
	})
	if err != nil {
		fatal(err)
	}
	defer func() { _ = sess.Close() }()

	conv, err := client.OpenConversation(client.ConversationOptions{
		Session: sess,
		History: &client.HTTPHistory{BaseURL: opts.hubURL, Token: tokenSource(opts)},
		SelfID:  opts.as,
		PeerID:  to,
	})
	if err != nil {
		fatal(err)
	}
	defer conv.Close()

	msg, err := conv.Send(ctx, text)
	if err != nil {
		fatal(err)
	}
	if opts.jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent message %d to %s\n", msg.ID, to)
}

func cmdHistory(ctx context.Context, opts options, peer string) {
	h := &client.HTTPHistory{BaseURL: opts.hubURL, Token: tokenSource(opts)}
	msgs, err := h.Conversation(ctx, peer)
	if err != nil {
		fatal(err)
	}
	if opts.jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		dir := "<"
		if m.SenderID == opts.as {
			dir = ">"
		}
		read := ""
		if m.Read {
			read = " (read)"
		}
		ts := time.UnixMilli(m.Timestamp).Local().Format("2006-01-02 15:04")
		fmt.Printf("%s %s %s%s\n", ts, dir, m.Content, read)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
