// poseidon is the host daemon for the Poseidon three-channel syringe
// pump. It owns the serial link to the pump controller, serves a control
// API with a websocket event feed, exports Prometheus metrics and can
// mirror events to Redis.
//
// Usage:
//
//	poseidon [-config poseidon.toml] [options]
//
// Options:
//
//	-config string   Configuration file (default: built-in defaults)
//	-port string     Serial device or tcp://host:port, overrides [connection] port
//	-api string      API listen address, overrides [api] addr
//	-connect         Connect at startup, overrides [connection] auto-connect
//	-list-ports      Print the serial ports found on this host and exit
//
// Examples:
//
//	# Run against the simulator
//	mock-pump -listen 127.0.0.1:5555 &
//	poseidon -port tcp://127.0.0.1:5555 -connect
//
//	# Reload syringe settings without restarting
//	kill -HUP $(pidof poseidon)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"poseidon-go-host/pkg/api"
	"poseidon-go-host/pkg/config"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/metrics"
	"poseidon-go-host/pkg/pump"
	"poseidon-go-host/pkg/serial"
	"poseidon-go-host/pkg/telemetry"
	"poseidon-go-host/pkg/units"
)

func main() {
	configFile := flag.String("config", "", "Configuration file")
	portFlag := flag.String("port", "", "Serial device or tcp://host:port")
	apiAddr := flag.String("api", "", "API listen address")
	connect := flag.Bool("connect", false, "Connect at startup")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *portFlag != "" {
		cfg.Connection.Port = *portFlag
	}
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
		cfg.API.Enabled = true
	}
	if *connect {
		cfg.Connection.AutoConnect = true
	}

	root := log.New("poseidon")
	cfg.ApplyLog(root)
	log.ConfigureFromEnv(root)
	log.SetDefaultLogger(root)

	if err := run(cfg, root); err != nil {
		root.Error("%v", err)
		os.Exit(1)
	}
}

// daemon holds the running components.
type daemon struct {
	logger  *log.Logger
	loggers []*log.Logger

	catalog *units.Catalog
	conn    *mcu.Connection
	ctrl    *pump.Controller
}

func run(cfg *config.Config, root *log.Logger) error {
	d := &daemon{logger: root}
	d.loggers = []*log.Logger{root}
	child := func(prefix string) *log.Logger {
		l := root.WithPrefix(prefix)
		d.loggers = append(d.loggers, l)
		return l
	}

	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	d.catalog = cat
	settings, err := cfg.PumpSettings(cat)
	if err != nil {
		return err
	}

	pm := metrics.New()
	observers := mcu.NewObservers(pm)
	d.conn = mcu.NewConnection(cfg.ConnectionConfig(),
		mcu.WithObserver(observers),
		mcu.WithRecorder(pm),
		mcu.WithLogger(child("mcu")),
	)
	observers.Add(mcu.ObserverFuncs{
		OnStatusLine: func(text string) { d.logger.Info("pump: %s", text) },
	})

	d.ctrl, err = pump.NewController(d.conn, settings, child("pump"))
	if err != nil {
		return err
	}

	if cfg.Telemetry.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := telemetry.DialRedis(ctx, cfg.Telemetry.RedisAddr)
		cancel()
		if err != nil {
			return err
		}
		pub := telemetry.NewPublisher(store, telemetry.Config{
			Channel:   cfg.Telemetry.RedisChannel,
			History:   int64(cfg.Telemetry.History),
			QueueSize: cfg.Telemetry.QueueSize,
		}, child("telemetry"), pm.RecordDropped)
		pub.Start()
		defer pub.Close()
		observers.Add(pub)
		root.Info("publishing events to redis %s on %s", cfg.Telemetry.RedisAddr, cfg.Telemetry.RedisChannel)
	}

	if mcfg, ok := cfg.MetricsServerConfig(); ok {
		ms := metrics.NewServer(pm, mcfg)
		if err := ms.Start(); err != nil {
			return err
		}
		defer ms.Shutdown(context.Background())
		root.Info("metrics on http://%s/metrics", ms.Addr())
	}

	if cfg.API.Enabled {
		srv := api.NewServer(api.Config{
			Addr:        cfg.API.Addr,
			CORSOrigins: cfg.API.CORSOrigins,
		}, d.conn, d.ctrl,
			api.WithMetrics(pm, pm.Handler()),
			api.WithCatalog(cat),
			api.WithPortLister(serial.ListPorts),
			api.WithLogger(child("api")),
		)
		observers.Add(srv.Observer())
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("api: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		root.Info("api on http://%s", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Connection.AutoConnect {
		go d.autoConnect(ctx)
	}

	var reloader *config.Reloader
	if cfg.Path() != "" {
		reloader = config.NewReloader(cfg)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			root.Info("shutting down")
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.conn.Disconnect(dctx); err != nil {
				root.WithError(err).Warn("disconnect failed")
			}
			return nil
		case <-hup:
			if reloader == nil {
				root.Warn("SIGHUP ignored: no configuration file")
				continue
			}
			d.reload(ctx, reloader)
		}
	}
}

func (d *daemon) autoConnect(ctx context.Context) {
	if d.conn.Port() == "" {
		d.logger.Warn("auto-connect enabled but no port configured")
		return
	}
	if err := d.conn.Connect(ctx); err != nil {
		d.logger.WithError(err).Error("auto-connect failed")
		return
	}
	if err := d.ctrl.SendSettings(ctx); err != nil {
		d.logger.WithError(err).Warn("sending channel settings failed")
	}
}

// reload applies the live sections of a re-read configuration.
func (d *daemon) reload(ctx context.Context, r *config.Reloader) {
	cfg, changed, err := r.Reload()
	if err != nil {
		d.logger.WithError(err).Error("reload failed, keeping current configuration")
		return
	}
	if len(changed) == 0 {
		d.logger.Info("configuration unchanged")
		return
	}
	d.logger.WithField("sections", changed).Info("configuration reloaded")
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		d.logger.WithField("sections", restart).Warn("changes take effect after restart")
	}

	for _, l := range d.loggers {
		cfg.ApplyLog(l)
	}

	cat, err := cfg.Catalog()
	if err != nil {
		d.logger.WithError(err).Error("reload: syringe catalog")
		return
	}
	settings, err := cfg.PumpSettings(cat)
	if err != nil {
		d.logger.WithError(err).Error("reload: pump settings")
		return
	}
	if err := d.ctrl.UpdateSettings(settings); err != nil {
		d.logger.WithError(err).Error("reload: pump settings rejected")
		return
	}
	if d.conn.Connected() {
		if err := d.ctrl.SendSettings(ctx); err != nil {
			d.logger.WithError(err).Warn("reload: sending channel settings failed")
		}
	}
}
