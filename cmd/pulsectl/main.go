package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pulsehq/pulse/internal/ctl"
	"github.com/pulsehq/pulse/internal/gateway"
	"github.com/pulsehq/pulse/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	socketPath := profile.SocketPath(profileName)
	c, err := ctl.Dial(ctx, socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "join":
		requireArg(args, "pulsectl join <room>")
		cmdJoin(c, args[1])
	case "leave":
		requireArg(args, "pulsectl leave <room>")
		must(c.Send(gateway.Request{Op: gateway.OpLeave, Room: args[1]}))
		fmt.Printf("left %s\n", args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: pulsectl send <room> <text>")
			os.Exit(1)
		}
		must(c.Send(gateway.Request{Op: gateway.OpSend, Room: args[1], Text: strings.Join(args[2:], " ")}))
		fmt.Println("sent")
	case "watch":
		requireArg(args, "pulsectl watch <room>")
		cmdWatch(c, args[1], *jsonFlag)
	case "feed":
		query := ""
		if len(args) > 1 {
			query = args[1]
		}
		cmdFeed(c, query, *jsonFlag)
	case "login":
		cmdLogin(c)
	case "logout":
		must(c.Send(gateway.Request{Op: gateway.OpLogout}))
		fmt.Println("logged out")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pulsectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status               Show daemon status")
	fmt.Fprintln(os.Stderr, "  join <room>          Join a realtime room")
	fmt.Fprintln(os.Stderr, "  leave <room>         Leave a realtime room")
	fmt.Fprintln(os.Stderr, "  send <room> <text>   Send a comment to a room")
	fmt.Fprintln(os.Stderr, "  watch <room>         Join a room and stream snapshots")
	fmt.Fprintln(os.Stderr, "  feed [query]         Load the conversation list")
	fmt.Fprintln(os.Stderr, "  login                Set the credential (token read from stdin)")
	fmt.Fprintln(os.Stderr, "  logout               Clear the credential")
}

func requireArg(args []string, usage string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus(c *ctl.Client, jsonOut bool) {
	st, err := c.Status(5 * time.Second)
	must(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile: %s\n", st.Profile)
	fmt.Printf("State:   %s\n", st.State)
	fmt.Printf("Auth:    %v\n", st.Authenticated)
	if len(st.Rooms) == 0 {
		fmt.Println("Rooms:   none")
	} else {
		fmt.Printf("Rooms:   %s\n", strings.Join(st.Rooms, ", "))
	}
}

func cmdJoin(c *ctl.Client, room string) {
	must(c.Send(gateway.Request{Op: gateway.OpJoin, Room: room}))
	fmt.Printf("joined %s\n", room)
}

func cmdWatch(c *ctl.Client, room string, jsonOut bool) {
	must(c.Send(gateway.Request{Op: gateway.OpJoin, Room: room}))
	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", room)
	for {
		p, err := c.Next(time.Hour)
		must(err)
		switch p.Type {
		case gateway.TypeSnapshot:
			if p.Snapshot == nil || p.Snapshot.Room != room {
				continue
			}
			if jsonOut {
				outputJSON(p.Snapshot)
				continue
			}
			fmt.Printf("-- %s (%d comments) --\n", p.Snapshot.Room, len(p.Snapshot.Comments))
			for _, comment := range p.Snapshot.Comments {
				author := "anonymous"
				if comment.Author != nil {
					author = comment.Author.Name
				}
				fmt.Printf("  [%s] %s\n", author, comment.Text)
			}
		case gateway.TypeState:
			if p.State != nil {
				fmt.Fprintf(os.Stderr, "connection: %s\n", p.State.State)
			}
		case gateway.TypeNotice:
			if p.Notice != nil {
				fmt.Fprintf(os.Stderr, "notice: %s\n", p.Notice.Message)
			}
		}
	}
}

func cmdFeed(c *ctl.Client, query string, jsonOut bool) {
	must(c.Send(gateway.Request{Op: gateway.OpLoadReset, Query: query}))
	p, err := c.WaitFor(gateway.TypeFeed, 10*time.Second)
	must(err)
	if jsonOut {
		outputJSON(p.Feed)
		return
	}
	for _, item := range p.Feed.Items {
		unread := ""
		if item.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", item.UnreadCount)
		}
		fmt.Printf("%-30s %s%s\n", item.Title, item.LastMessagePreview, unread)
	}
	if p.Feed.HasMore {
		fmt.Printf("... %d more\n", p.Feed.Remaining)
	}
}

func cmdLogin(c *ctl.Client) {
	fmt.Fprint(os.Stderr, "token: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		must(err)
	}
	tok := strings.TrimSpace(line)
	if tok == "" {
		fmt.Fprintln(os.Stderr, "error: empty token")
		os.Exit(1)
	}
	must(c.Send(gateway.Request{Op: gateway.OpLogin, Token: tok}))
	fmt.Println("logged in")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
