package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/carrange/internal/config"
	"github.com/bamsammich/carrange/internal/gateway"
	"github.com/bamsammich/carrange/internal/stats"
)

const defaultListen = ":8080"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the range-filtering HTTP gateway",
	Long: `Run an HTTP gateway in front of an archive origin.

Requests with "Accept: application/vnd.ipld.car" and an entity-bytes=START:END
(or bytes=START:END) query parameter are answered by fetching the full
archive from the origin, without the range parameter, and streaming back only
the blocks that cover the range. Every other request is proxied unchanged.

Settings come from flags, then CARRANGE_* environment variables (a .env file
is honoured), then the [server] section of the config file.

The bound address is recorded in a state file so that "carrange status" can
find the running gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", defaultListen, "listen address (host:port)")
	f.String("origin", "", "origin base URL (e.g. http://127.0.0.1:8081)")
	f.String("config", "", "config file (default: $XDG_CONFIG_HOME/carrange/config.toml)")
	f.String("env-file", ".env", "dotenv file to load")
	f.Int("cache-entries", gateway.DefaultCacheEntries, "number of filtered responses to cache (0 disables)")
	f.String("cache-max-entry", "8M", "largest response to cache")
	f.String("bwlimit", "", "per-response bandwidth limit (e.g. 10M)")
	f.String("max-section-size", "", "reject archive sections larger than SIZE")
	f.Bool("verify", false, "check every block's hash against its CID")
	f.String("timeout", "", "bound on a whole filtered request (e.g. 5m)")
}

// serveSettings is the resolved gateway configuration.
type serveSettings struct {
	listen string
	origin string
	gw     gateway.Config
}

//nolint:revive // cyclomatic: flag/env/file precedence for every setting
func resolveServe(cmd *cobra.Command) (serveSettings, config.LogConfig, error) {
	flags := cmd.Flags()
	envFile, _ := flags.GetString("env-file") //nolint:errcheck // flag name is hardcoded
	cfgPath, _ := flags.GetString("config")   //nolint:errcheck // flag name is hardcoded

	if err := config.LoadDotEnv(envFile); err != nil {
		return serveSettings{}, config.LogConfig{}, err
	}
	if cfgPath == "" {
		cfgPath = config.Path()
	}
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return serveSettings{}, config.LogConfig{}, fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnv(&cfg)
	s := cfg.Server

	stringSetting := func(name string, fromFile *string) *string {
		if flags.Changed(name) || fromFile == nil {
			v, _ := flags.GetString(name) //nolint:errcheck // flag name is hardcoded
			if v == "" {
				return nil
			}
			return &v
		}
		return fromFile
	}

	var out serveSettings
	out.listen = defaultListen
	if v := stringSetting("listen", s.Listen); v != nil {
		out.listen = *v
	}
	if v := stringSetting("origin", s.Origin); v != nil {
		out.origin = *v
	}
	if out.origin == "" {
		return out, cfg.Log, fmt.Errorf("an origin is required (--origin or %s)", config.EnvOrigin)
	}
	origin, err := url.Parse(out.origin)
	if err != nil {
		return out, cfg.Log, fmt.Errorf("invalid origin: %w", err)
	}
	out.gw.Origin = origin

	out.gw.CacheEntries, _ = flags.GetInt("cache-entries") //nolint:errcheck // flag name is hardcoded
	if !flags.Changed("cache-entries") && s.CacheEntries != nil {
		out.gw.CacheEntries = *s.CacheEntries
	}
	if out.gw.CacheMaxEntry, err = config.Size(stringSetting("cache-max-entry", s.CacheMaxEntry), gateway.DefaultCacheMaxEntry); err != nil {
		return out, cfg.Log, fmt.Errorf("invalid cache_max_entry: %w", err)
	}
	if out.gw.BWLimit, err = config.Size(stringSetting("bwlimit", s.BWLimit), 0); err != nil {
		return out, cfg.Log, fmt.Errorf("invalid bwlimit: %w", err)
	}
	maxSection, err := config.Size(stringSetting("max-section-size", s.MaxSectionSize), 0)
	if err != nil {
		return out, cfg.Log, fmt.Errorf("invalid max_section_size: %w", err)
	}
	out.gw.MaxSectionSize = uint64(maxSection) //nolint:gosec // G115: ParseSize rejects negatives
	if out.gw.Timeout, err = config.Duration(stringSetting("timeout", s.Timeout), 0); err != nil {
		return out, cfg.Log, err
	}
	out.gw.Verify, _ = flags.GetBool("verify") //nolint:errcheck // flag name is hardcoded
	if !flags.Changed("verify") && s.Verify != nil {
		out.gw.Verify = *s.Verify
	}
	return out, cfg.Log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, logCfg, err := resolveServe(cmd)
	if err != nil {
		return err
	}

	o := logOpts
	if logCfg.Level != nil {
		o.level = *logCfg.Level
	}
	if o.file == "" && logCfg.File != nil {
		o.file = *logCfg.File
	}
	closeLog, err := setupLogging(o, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	gw, err := gateway.New(settings.gw)
	if err != nil {
		return err
	}
	srv, err := gateway.Listen(settings.listen, gw)
	if err != nil {
		return err
	}

	if err := config.WriteState(config.ServerState{
		Addr:    srv.Addr().String(),
		Origin:  settings.origin,
		PID:     os.Getpid(),
		Started: time.Now(),
	}); err != nil {
		slog.Warn("failed to write state file", "error", err)
	}
	defer config.RemoveState()

	slog.Info("gateway configured",
		"origin", settings.origin,
		"cache_entries", settings.gw.CacheEntries,
		"bwlimit", settings.gw.BWLimit,
		"verify", settings.gw.Verify,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Serve(ctx)
	slog.Info("gateway totals", "stats", gw.Stats().Snapshot())
	return err
}

var statusCmd = &cobra.Command{
	Use:           "status",
	Short:         "Show the running gateway and its counters",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	st, err := config.ReadState()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.ErrOrStderr(), "no gateway running")
			return &exitError{code: 1}
		}
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "gateway  %s\norigin   %s\npid      %d\nuptime   %s\n",
		st.Addr, st.Origin, st.PID, time.Since(st.Started).Round(time.Second))

	snap, err := fetchStats(cmd.Context(), st.Addr)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "stats unavailable: %v\n", err)
		return &exitError{code: 1}
	}
	fmt.Fprintf(w, "requests %d (cache hits %d, passthrough %d, early exit %d)\n%s\n",
		snap.Requests, snap.CacheHits, snap.Passthroughs, snap.EarlyExits, snap)
	return nil
}

// statsURL maps a wildcard listen address to loopback.
func statsURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "::" || host == "0.0.0.0") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr + gateway.StatsPath
}

func fetchStats(ctx context.Context, addr string) (stats.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statsURL(addr), nil)
	if err != nil {
		return stats.Snapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats.Snapshot{}, fmt.Errorf("stats endpoint returned %s", resp.Status)
	}
	var snap stats.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return stats.Snapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return snap, nil
}
