package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/fleetchat/internal/auth"
	"github.com/matheus3301/fleetchat/internal/config"
	"github.com/matheus3301/fleetchat/internal/daemon"
	"github.com/matheus3301/fleetchat/internal/lock"
	"github.com/matheus3301/fleetchat/internal/profile"
	"github.com/matheus3301/fleetchat/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides $FLEETCHAT_PROFILE and the config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, profileName, *jsonFlag)
	case "login":
		cmdLogin(ctx, profileName, args[1:])
	case "logout":
		cmdLogout(ctx, profileName)
	case "conversations":
		cmdConversations(ctx, profileName, *jsonFlag)
	case "config":
		if len(args) >= 2 && args[1] == "init" {
			cmdConfigInit()
		} else {
			cmdConfigShow(*jsonFlag)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fleetchatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  login --access <tok> --refresh <tok> Store credentials")
	fmt.Fprintln(os.Stderr, "  logout                              Clear credentials")
	fmt.Fprintln(os.Stderr, "  conversations                       List cached conversations")
	fmt.Fprintln(os.Stderr, "  config [init]                       Show effective config, or write defaults")
}

type statusOutput struct {
	Profile    string `json:"profile"`
	Daemon     string `json:"daemon"`
	PID        int    `json:"pid,omitempty"`
	Socket     string `json:"socket,omitempty"`
	Started    string `json:"started,omitempty"`
	Connection string `json:"connection"`
	State      string `json:"state,omitempty"`
}

func cmdStatus(ctx context.Context, profileName string, jsonOut bool) {
	out := statusOutput{Profile: profileName, Daemon: "stopped", Connection: "unknown"}

	holder, running, err := lock.Inspect(profile.Dir(profileName))
	if err != nil {
		fatal(err)
	}
	switch {
	case running:
		out.Daemon = "running"
		out.PID = holder.PID
		out.Socket = holder.Socket
		if !holder.Started.IsZero() {
			out.Started = holder.Started.Format(time.RFC3339)
		}
	case holder.PID != 0:
		out.Daemon = fmt.Sprintf("stopped (stale lock from pid %d)", holder.PID)
	}

	if running {
		socketPath := holder.Socket
		if socketPath == "" {
			socketPath = profile.SocketPath(profileName)
		}
		conn, err := grpc.NewClient(
			"unix://"+socketPath,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err == nil {
			defer func() { _ = conn.Close() }()
			client := healthpb.NewHealthClient(conn)
			if resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{}); err == nil {
				out.Daemon = resp.Status.String()
				if resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ConnectionService}); err == nil {
					out.Connection = resp.Status.String()
				}
			} else {
				out.Daemon = "running (health check failed)"
			}
		}
	}

	if db, err := store.Open(profile.DBPath(profileName)); err == nil {
		out.State, _ = db.State(ctx, store.KeyConnectionState)
		_ = db.Close()
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile:    %s\n", out.Profile)
	fmt.Printf("Daemon:     %s\n", out.Daemon)
	if out.PID != 0 {
		fmt.Printf("PID:        %d\n", out.PID)
		fmt.Printf("Socket:     %s\n", out.Socket)
	}
	if out.Started != "" {
		fmt.Printf("Started:    %s\n", out.Started)
	}
	fmt.Printf("Connection: %s\n", out.Connection)
	if out.State != "" {
		fmt.Printf("State:      %s\n", out.State)
	}
}

func cmdLogin(ctx context.Context, profileName string, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	access := fs.String("access", "", "access token")
	refresh := fs.String("refresh", "", "refresh token")
	_ = fs.Parse(args)

	resolver, closeDB := openResolver(ctx, profileName)
	defer closeDB()
	if err := resolver.Login(ctx, auth.Credentials{Access: *access, Refresh: *refresh}); err != nil {
		fatal(err)
	}
	fmt.Printf("Credentials stored for profile %q.\n", profileName)
}

func cmdLogout(ctx context.Context, profileName string) {
	resolver, closeDB := openResolver(ctx, profileName)
	defer closeDB()
	if err := resolver.Logout(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("Credentials cleared for profile %q.\n", profileName)
}

func cmdConversations(ctx context.Context, profileName string, jsonOut bool) {
	db := openStore(profileName)
	defer func() { _ = db.Close() }()
	list, err := db.ListConversations(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No cached conversations.")
		return
	}
	for _, c := range list {
		fmt.Printf("%-24s %-32s %d members\n", c.ID, c.Title, c.MemberCount)
	}
}

func cmdConfigShow(jsonOut bool) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(cfg)
		return
	}
	fmt.Printf("%s\n", profile.ConfigPath())
	fmt.Printf("  api_base_url        %s\n", cfg.APIBaseURL)
	fmt.Printf("  socket_url          %s\n", cfg.SocketURL)
	fmt.Printf("  heartbeat_interval  %s\n", cfg.HeartbeatInterval)
	fmt.Printf("  poll_interval       %s\n", cfg.PollInterval)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func cmdConfigInit() {
	path := profile.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fatal(fmt.Errorf("%s already exists", path))
	}
	if err := config.Save(path, config.Default()); err != nil {
		fatal(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func openStore(profileName string) *store.DB {
	if err := profile.EnsureDir(profileName); err != nil {
		fatal(err)
	}
	db, err := store.OpenMigrated(profile.DBPath(profileName))
	if err != nil {
		fatal(err)
	}
	return db
}

// openResolver returns a resolver without a refresher; login and logout
// never exchange tokens.
func openResolver(ctx context.Context, profileName string) (*auth.Resolver, func()) {
	db := openStore(profileName)
	return auth.NewResolver(ctx, store.NewCredentials(db), nil), func() { _ = db.Close() }
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
