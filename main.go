package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/client"
	"github.com/mpris-proxy/pkg/config"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/server"
	"github.com/mpris-proxy/pkg/types"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("mpris-proxy", "Proxies MPRIS calls to the most recently active media player.")

	configFile    = app.Flag("config.file", "Path to configuration file.").Default("").String()
	listenAddress = app.Flag("web.listen-address", "Address to listen on for telemetry (\"off\" disables it).").String()
	telemetryPath = app.Flag("web.telemetry-path", "Path under which to expose metrics.").String()

	daemonCmd   = app.Command("daemon", "Run the proxy daemon.").Default()
	shiftCmd    = app.Command("shift", "Make the next player active.")
	unshiftCmd  = app.Command("unshift", "Make the previous player active.")
	activateCmd = app.Command("activate", "Start the daemon through bus activation.")

	playersCmd    = app.Command("players", "List the players on the bus.")
	playersScopes = playersCmd.Flag("scope", "Bus to list players from (session or system). Repeatable.").Strings()
	playersWatch  = playersCmd.Flag("watch", "Keep printing the list as players come and go.").Bool()

	// Global config
	appConfig *config.Config
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	if *configFile != "" {
		appConfig, err = config.LoadConfig(*configFile)
	}
	if appConfig == nil {
		if err != nil {
			// If config file can't be read, continue with defaults
			fmt.Fprintf(os.Stderr, "Warning: failed to load config file: %v, using defaults\n", err)
		}
		appConfig = config.Default()
	}
	if *listenAddress != "" {
		appConfig.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		appConfig.Metrics.TelemetryPath = *telemetryPath
	}

	if err := logging.Setup(appConfig.Log.Level, appConfig.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer logging.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case daemonCmd.FullCommand():
		logging.Debugf("Daemon initialized with instance ID: %s", logging.GetInstanceID())
		err = runDaemon(ctx)
	case shiftCmd.FullCommand():
		err = runRotate(ctx, client.Shift)
	case unshiftCmd.FullCommand():
		err = runRotate(ctx, client.Unshift)
	case activateCmd.FullCommand():
		err = runActivate(ctx)
	case playersCmd.FullCommand():
		err = runPlayers(ctx)
	}
	if err != nil {
		logging.Fatalf("%s: %v", command, err)
	}
}

func runDaemon(ctx context.Context) error {
	conn, err := bus.Connect(ctx, appConfig.Daemon.Bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	srv, err := server.NewProxyServer(appConfig, conn, nil)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if appConfig.MetricsEnabled() {
		g.Go(func() error {
			return srv.StartMetricsServer(ctx, appConfig.Metrics.ListenAddress, appConfig.Metrics.TelemetryPath)
		})
	}
	if *configFile != "" {
		path := *configFile
		g.Go(func() error {
			// A broken watcher only costs hot reload.
			if err := config.Watch(ctx, path, srv.Reload); err != nil {
				logging.Warnf("[config] not watching %s: %v", path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func connectScopes(ctx context.Context, scopes []types.BusScope) (map[types.BusScope]bus.Conn, func()) {
	conns := make(map[types.BusScope]bus.Conn, len(scopes))
	for _, scope := range scopes {
		conn, err := bus.Connect(ctx, scope)
		if err != nil {
			logging.Warnf("%v", err)
			continue
		}
		conns[scope] = conn
	}
	return conns, func() {
		for _, conn := range conns {
			conn.Close()
		}
	}
}

func runRotate(ctx context.Context, rotate func(context.Context, bus.Conn, string) (string, error)) error {
	conns, closeAll := connectScopes(ctx, []types.BusScope{appConfig.Daemon.Bus})
	defer closeAll()
	conn, ok := conns[appConfig.Daemon.Bus]
	if !ok {
		return fmt.Errorf("no %s bus", appConfig.Daemon.Bus)
	}

	active, err := rotate(ctx, conn, appConfig.CanonicalName())
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimPrefix(active, types.MprisPrefix))
	return nil
}

func runActivate(ctx context.Context) error {
	conns, closeAll := connectScopes(ctx, []types.BusScope{appConfig.Daemon.Bus})
	defer closeAll()
	conn, ok := conns[appConfig.Daemon.Bus]
	if !ok {
		return fmt.Errorf("no %s bus", appConfig.Daemon.Bus)
	}
	_, err := client.Activate(ctx, conn, appConfig.CanonicalName())
	return err
}

func runPlayers(ctx context.Context) error {
	scopes := appConfig.Players.Scopes
	if len(*playersScopes) > 0 {
		scopes = scopes[:0:0]
		for _, s := range *playersScopes {
			scope, err := types.ParseBusScope(s)
			if err != nil {
				return err
			}
			scopes = append(scopes, scope)
		}
	}

	conns, closeAll := connectScopes(ctx, scopes)
	defer closeAll()
	if len(conns) == 0 {
		return fmt.Errorf("no bus available")
	}

	if !*playersWatch {
		printPlayers(client.ListPlayers(ctx, conns, appConfig.Daemon.Name))
		return nil
	}
	return client.Watch(ctx, conns, appConfig.Daemon.Name, func(players []types.PeerIdentity) {
		printPlayers(players)
		fmt.Println()
	})
}

func printPlayers(players []types.PeerIdentity) {
	for _, p := range players {
		fmt.Printf("%s\t%s\t%s\n", p.LocalID, p.Source, p.Owner)
	}
}
