package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-snapshot/pkg/bootstrap"
    "github.com/amirimatin/go-snapshot/pkg/config"
    "github.com/amirimatin/go-snapshot/pkg/election"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-snapshot/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-snapshot/pkg/security/tlsconfig"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

// AddAll attaches the snapshot subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewInitiateCmd())
    root.AddCommand(NewGetCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewSiteCmd())
    root.AddCommand(NewWatchCmd())
}

// NewSnapshotCommand returns a parent command "snapshot" containing every
// subcommand, for services that mount it under their own root.
func NewSnapshotCommand() *cobra.Command {
    parent := &cobra.Command{Use: "snapshot", Short: "distributed snapshot commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command that starts a simulation node.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath, mgmtAddr, mgmtProto, replication, initiator string
        heartbeat, timeout, traffic                          time.Duration
        traceEnable, logJSON                                 bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a simulated network of sites",
        RunE: func(cmd *cobra.Command, args []string) error {
            f := config.Default()
            if cfgPath != "" {
                var err error
                if f, err = config.Load(cfgPath); err != nil { return err }
            }
            cfg := bootstrap.FromFile(f)
            // flags override the file when set explicitly
            fl := cmd.Flags()
            if fl.Changed("mgmt-addr") { cfg.MgmtAddr = mgmtAddr }
            if fl.Changed("mgmt-proto") { cfg.MgmtProto = mgmtProto }
            if fl.Changed("replication") { cfg.Replication = replication }
            if fl.Changed("initiator") { cfg.Initiator = initiator }
            if fl.Changed("heartbeat") {
                cfg.HeartbeatInterval = heartbeat
                cfg.DetectorTTL = 3 * heartbeat
            }
            if fl.Changed("snapshot-timeout") { cfg.SnapshotTimeout = timeout }
            if fl.Changed("traffic") { cfg.TrafficInterval = traffic }
            if logJSON { logutil.SetJSON(true) }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg.OnLeaderChange = func(res election.Result) {
                fmt.Printf("coordinator: %s (election started by %s)\n", res.Winner, res.Initiator)
            }
            cl, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer cl.Close()

            fmt.Printf("%d site(s) running, management at %s. Press Ctrl+C to exit.\n", len(cl.Sites()), cl.ManagementAddr())
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&cfgPath, "config", "", "topology file (.yaml, .yml or .toml)")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().StringVar(&replication, "replication", "memory", "record replication: memory|raft")
    cmd.Flags().StringVar(&initiator, "initiator", "", "preferred snapshot initiator (site id)")
    cmd.Flags().DurationVar(&heartbeat, "heartbeat", time.Second, "site heartbeat interval; failure after 3 missed beats")
    cmd.Flags().DurationVar(&timeout, "snapshot-timeout", 10*time.Second, "how long to wait for a snapshot to assemble")
    cmd.Flags().DurationVar(&traffic, "traffic", 0, "interval between simulated application messages (0 disables)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&logJSON, "log-json", false, "log one JSON object per line")
    return cmd
}

// clientFlags are shared by every command that talks to a running node.
type clientFlags struct {
    addr, proto                           string
    timeout                               time.Duration
    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (f *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().StringVar(&f.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (transport.RPCClient, error) {
    topts := tlsx.Options{Enable: f.tlsEnable, CAFile: f.tlsCA, CertFile: f.tlsCert, KeyFile: f.tlsKey, InsecureSkipVerify: f.tlsSkip, ServerName: f.tlsServerName}
    if err := topts.Validate(); err != nil { return nil, err }
    return bootstrap.Client(f.proto, f.timeout, topts)
}

// NewInitiateCmd returns the "initiate" command.
func NewInitiateCmd() *cobra.Command {
    var (
        cf            clientFlags
        initiator, id string
        wait          bool
        waitFor       time.Duration
    )
    cmd := &cobra.Command{
        Use:   "initiate",
        Short: "Start a global snapshot",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            timeout := cf.timeout
            if wait { timeout += waitFor }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostInitiate(ctx, cf.addr, transport.InitiateRequest{Initiator: initiator, SnapshotID: id, Wait: wait, TimeoutMs: waitFor.Milliseconds()})
            if err != nil { return fmt.Errorf("initiate error: %w", err) }
            return printJSON(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&initiator, "initiator", "", "site that records first (default: configured initiator)")
    cmd.Flags().StringVar(&id, "id", "", "snapshot id (default: a new ULID)")
    cmd.Flags().BoolVar(&wait, "wait", false, "wait for the assembled snapshot")
    cmd.Flags().DurationVar(&waitFor, "wait-timeout", 10*time.Second, "how long --wait may take")
    return cmd
}

// NewGetCmd returns the "get" command.
func NewGetCmd() *cobra.Command {
    var (
        cf      clientFlags
        wait    bool
        waitFor time.Duration
    )
    cmd := &cobra.Command{
        Use:   "get <snapshot-id>",
        Short: "Fetch an assembled global snapshot",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            timeout := cf.timeout
            if wait { timeout += waitFor }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostAssemble(ctx, cf.addr, transport.AssembleRequest{SnapshotID: args[0], Wait: wait, TimeoutMs: waitFor.Milliseconds()})
            if err != nil { return fmt.Errorf("get error: %w", err) }
            return printJSON(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().BoolVar(&wait, "wait", false, "block until every site has reported")
    cmd.Flags().DurationVar(&waitFor, "wait-timeout", 10*time.Second, "how long --wait may take")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch cluster status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewSiteCmd returns the "site" command, which stops or resumes a site's
// heartbeats to simulate a crash.
func NewSiteCmd() *cobra.Command {
    var (
        cf      clientFlags
        offline bool
    )
    cmd := &cobra.Command{
        Use:   "site <id>",
        Short: "Take a site offline (--offline) or bring it back",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            resp, err := client.PostSite(ctx, cf.addr, transport.SiteRequest{ID: args[0], Online: !offline})
            if err != nil { return fmt.Errorf("site error: %w", err) }
            return printJSON(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().BoolVar(&offline, "offline", false, "stop the site's heartbeats")
    return cmd
}

// NewWatchCmd returns the "watch" command (gRPC management only).
func NewWatchCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "watch",
        Short: "Stream cluster events (requires --mgmt-proto grpc)",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            wc, ok := client.(transport.WatchClient)
            if !ok { return fmt.Errorf("watch not supported by %s transport", cf.proto) }
            ctx, cancel := signalContext()
            defer cancel()
            enc := json.NewEncoder(os.Stdout)
            err = wc.Watch(ctx, cf.addr, func(ev transport.WatchEvent) { _ = enc.Encode(ev) })
            if err != nil && ctx.Err() == nil { return fmt.Errorf("watch error: %w", err) }
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

func printJSON(v any) error {
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
