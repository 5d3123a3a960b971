// relayctl administers a channelrelay server and joins its rooms from the
// terminal.
//
// Usage:
//
//	relayctl <command> [flags]
//
// Commands:
//
//	setup            create a demo room with two readwrite endpoints
//	rooms            list rooms
//	create-room      create a room or update its webhook
//	delete-room      delete a room and its endpoints
//	endpoints        list a room's endpoints
//	add-endpoint     issue an endpoint code
//	delete-endpoint  revoke an endpoint code
//	connect          join a room: print broadcasts, send stdin lines
//
// The server URL and API key default to $RELAYCTL_SERVER and $RELAYCTL_API_KEY.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/channelrelay/channelrelay/pkg/types"
)

const defaultServer = "http://127.0.0.1:8000"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

// globals are the flags every command accepts.
type globals struct {
	server string
	apiKey string
	header string
}

func (g *globals) addFlags(fs *pflag.FlagSet) {
	server := os.Getenv("RELAYCTL_SERVER")
	if server == "" {
		server = defaultServer
	}
	fs.StringVarP(&g.server, "server", "s", server, "server base URL")
	fs.StringVarP(&g.apiKey, "api-key", "k", os.Getenv("RELAYCTL_API_KEY"), "API key")
	fs.StringVar(&g.header, "api-key-header", "API-KEY", "header carrying the API key")
}

func (g *globals) client() *apiClient {
	return newAPIClient(g.server, g.header, g.apiKey)
}

type command struct {
	summary string
	run     func(ctx context.Context, args []string, in io.Reader, out io.Writer) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"setup":           {"create a demo room with two readwrite endpoints", runSetup},
		"rooms":           {"list rooms", runRooms},
		"create-room":     {"create a room or update its webhook", runCreateRoom},
		"delete-room":     {"delete a room and its endpoints", runDeleteRoom},
		"endpoints":       {"list a room's endpoints", runEndpoints},
		"add-endpoint":    {"issue an endpoint code", runAddEndpoint},
		"delete-endpoint": {"revoke an endpoint code", runDeleteEndpoint},
		"connect":         {"join a room: print broadcasts, send stdin lines", runConnect},
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, args[1:], in, out)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: relayctl <command> [flags]")
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, name := range []string{"setup", "rooms", "create-room", "delete-room", "endpoints", "add-endpoint", "delete-endpoint", "connect"} {
		fmt.Fprintf(tw, "  %s\t%s\n", name, commands[name].summary)
	}
	tw.Flush()
}

// newFlagSet returns a flag set for the named command with the global flags.
func newFlagSet(name string, g *globals, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("relayctl "+name, pflag.ContinueOnError)
	fs.SetOutput(out)
	g.addFlags(fs)
	return fs
}

func requireFlag(fs *pflag.FlagSet, name string) error {
	if v, _ := fs.GetString(name); v == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

// --- commands ---------------------------------------------------------------

func runSetup(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("setup", &g, out)
	room := fs.String("room", "default", "room to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := g.client()

	if _, err := c.createRoom(ctx, *room, ""); err != nil {
		return fmt.Errorf("create room (check server url and api key): %w", err)
	}
	fmt.Fprintf(out, "Room %q ready\n", *room)

	for _, identity := range []string{"endpoint1", "endpoint2"} {
		ep, err := c.addEndpoint(ctx, *room, identity, types.PermReadWrite)
		if err != nil {
			return fmt.Errorf("add endpoint %s: %w", identity, err)
		}
		u, err := endpointURL(g.server, ep.Code)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Room URL for %s: %s\n", identity, u)
	}

	fmt.Fprintln(out, "Connect to both URLs, send messages and see the responses.")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "List rooms:     relayctl rooms --server %s\n", g.server)
	fmt.Fprintf(out, "List endpoints: relayctl endpoints --server %s --room %s\n", g.server, *room)
	return nil
}

func runRooms(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("rooms", &g, out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rooms, err := g.client().listRooms(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENDPOINTS\tWEBHOOK")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Name, r.Endpoints, r.Webhook)
	}
	return tw.Flush()
}

func runCreateRoom(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("create-room", &g, out)
	room := fs.String("room", "", "room name")
	webhook := fs.String("webhook", "", "URL receiving a POST for every accepted message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(fs, "room"); err != nil {
		return err
	}
	r, err := g.client().createRoom(ctx, *room, *webhook)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Room %q saved (webhook %q)\n", r.Name, r.Webhook)
	return nil
}

func runDeleteRoom(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("delete-room", &g, out)
	room := fs.String("room", "", "room name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(fs, "room"); err != nil {
		return err
	}
	if err := g.client().deleteRoom(ctx, *room); err != nil {
		return err
	}
	fmt.Fprintf(out, "Room %q deleted\n", *room)
	return nil
}

func runEndpoints(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("endpoints", &g, out)
	room := fs.String("room", "default", "room name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	eps, err := g.client().listEndpoints(ctx, *room)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tPERMISSIONS\tCODE")
	for _, e := range eps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Identity, e.Permissions, e.Code)
	}
	return tw.Flush()
}

func runAddEndpoint(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("add-endpoint", &g, out)
	room := fs.String("room", "default", "room name")
	identity := fs.String("identity", "", "label attached to messages from this endpoint (default Anonymous)")
	perms := fs.StringP("permissions", "p", types.PermReadWrite, "read, write or readwrite")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ep, err := g.client().addEndpoint(ctx, *room, *identity, *perms)
	if err != nil {
		return err
	}
	u, err := endpointURL(g.server, ep.Code)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Endpoint %s (%s) in room %q\n%s\n", ep.Identity, ep.Permissions, ep.Room, u)
	return nil
}

func runDeleteEndpoint(ctx context.Context, args []string, _ io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("delete-endpoint", &g, out)
	room := fs.String("room", "default", "room name")
	code := fs.String("code", "", "endpoint code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(fs, "code"); err != nil {
		return err
	}
	if err := g.client().deleteEndpoint(ctx, *room, *code); err != nil {
		return err
	}
	fmt.Fprintln(out, "Endpoint deleted")
	return nil
}

func runConnect(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	var g globals
	fs := newFlagSet("connect", &g, out)
	code := fs.String("code", "", "endpoint code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(fs, "code"); err != nil {
		return err
	}
	u, err := endpointURL(g.server, *code)
	if err != nil {
		return err
	}
	return connect(ctx, u, in, out)
}
