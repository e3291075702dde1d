// RF Switch Controller
// Main entry point for the 433 MHz switch controller service
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homectl/rfswitch/internal/companion"
	"github.com/homectl/rfswitch/internal/config"
	"github.com/homectl/rfswitch/internal/discovery"
	"github.com/homectl/rfswitch/internal/engine"
	"github.com/homectl/rfswitch/internal/mqttstate"
	"github.com/homectl/rfswitch/internal/netstate"
	"github.com/homectl/rfswitch/internal/rpc"
	"github.com/homectl/rfswitch/internal/storage"
	"github.com/homectl/rfswitch/internal/transport"
	"github.com/homectl/rfswitch/internal/trigger"
)

const version = "0.3.0"

var (
	configFile string
	apartment  string
	saveFound  bool
	rpcAddr    string

	rootCmd = &cobra.Command{
		Use:   "rfswitch-controller",
		Short: "RF Switch Controller",
		Long:  "Controller for 433 MHz remote controlled sockets. Sends switch commands through LAN gateways.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	executeCmd = &cobra.Command{
		Use:   "execute",
		Short: "Execute a single action and exit",
	}

	executeReceiverCmd = &cobra.Command{
		Use:   "receiver [room] [receiver] [button]",
		Short: "Switch one receiver",
		Args:  cobra.ExactArgs(3),
		RunE:  executeReceiver,
	}

	executeRoomCmd = &cobra.Command{
		Use:   "room [room] [button]",
		Short: "Switch every receiver of a room",
		Args:  cobra.ExactArgs(2),
		RunE:  executeRoom,
	}

	executeSceneCmd = &cobra.Command{
		Use:   "scene [scene]",
		Short: "Apply a scene",
		Args:  cobra.ExactArgs(1),
		RunE:  executeScene,
	}

	executeActionCmd = &cobra.Command{
		Use:   "action [action-id...]",
		Short: "Run stored actions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  executeActions,
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Search the local network for gateways",
		RunE:  discoverGateways,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check a running controller over RPC",
		RunE:  checkHealth,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RF Switch Controller v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rfswitch/controller.yaml", "Configuration file path")
	executeCmd.PersistentFlags().StringVarP(&apartment, "apartment", "a", "", "Apartment name (defaults to apartment.active)")
	discoverCmd.Flags().BoolVar(&saveFound, "save", false, "Store new gateways and associate them with the apartment")
	discoverCmd.Flags().StringVarP(&apartment, "apartment", "a", "", "Apartment new gateways are associated with")
	healthCmd.Flags().StringVar(&rpcAddr, "addr", "", "RPC address (defaults to rpc.listen)")

	executeCmd.AddCommand(executeReceiverCmd)
	executeCmd.AddCommand(executeRoomCmd)
	executeCmd.AddCommand(executeSceneCmd)
	executeCmd.AddCommand(executeActionCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging redirects the log output to logging.file when set
func setupLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.Logging.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

// controller bundles the components shared by every command
type controller struct {
	cfg    *config.Config
	db     *storage.DB
	probe  *netstate.Probe
	queue  *transport.Queue
	engine *engine.Engine
	logs   io.Closer
}

func newController() (*controller, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logs, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		if logs != nil {
			logs.Close()
		}
		return nil, err
	}

	probeCfg := netstate.DefaultConfig()
	probeCfg.SSID = cfg.Network.SSID
	if cfg.Network.InternetProbe != "" {
		probeCfg.InternetProbe = cfg.Network.InternetProbe
	}
	if cfg.Network.ProbeTimeout > 0 {
		probeCfg.ProbeTimeout = config.Milliseconds(cfg.Network.ProbeTimeout)
	}
	probeCfg.CacheFor = config.Milliseconds(cfg.Network.CacheFor)
	probe := netstate.NewProbe(probeCfg)

	queueCfg := transport.Config{
		DefaultDelay:  config.Milliseconds(cfg.Queue.DefaultDelay),
		ErrorCooldown: config.Milliseconds(cfg.Queue.ErrorCooldown),
		QueueSize:     cfg.Queue.Size,
		Debug:         cfg.Debug(),
	}
	queue := transport.New(queueCfg, transport.NewUDPSender(config.Milliseconds(cfg.Queue.WriteTimeout)), probe.Online)

	engineCfg := engine.DefaultConfig()
	engineCfg.Preferences = engine.Preferences{
		RefreshWidgets: cfg.Preferences.RefreshWidgets,
		SyncWearable:   cfg.Preferences.SyncWearable,
	}
	engineCfg.HistoryRetention = cfg.HistoryRetention()
	engineCfg.TimerCheckInterval = config.Seconds(cfg.Timing.TimerCheckInterval)
	if cfg.Timing.PruneInterval > 0 {
		engineCfg.PruneInterval = config.Seconds(cfg.Timing.PruneInterval)
	}

	return &controller{
		cfg:    cfg,
		db:     db,
		probe:  probe,
		queue:  queue,
		engine: engine.New(engineCfg, db, queue, probe),
		logs:   logs,
	}, nil
}

func (c *controller) Close() {
	if err := c.db.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
	if c.logs != nil {
		c.logs.Close()
	}
}

func runController(cmd *cobra.Command, args []string) error {
	c, err := newController()
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := c.cfg

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var statusSinks []func(engine.Status)
	var stops []func()

	if cfg.MQTT.Enabled {
		mqttCfg := mqttstate.DefaultConfig()
		mqttCfg.Broker = cfg.MQTT.Broker
		mqttCfg.User = cfg.MQTT.User
		mqttCfg.Password = cfg.MQTT.Password
		if cfg.MQTT.ClientID != "" {
			mqttCfg.ClientID = cfg.MQTT.ClientID
		}
		if cfg.MQTT.TopicPrefix != "" {
			mqttCfg.TopicPrefix = cfg.MQTT.TopicPrefix
		}

		m, client, err := mqttstate.Connect(mqttCfg)
		if err != nil {
			return err
		}
		stops = append(stops, func() { client.Disconnect(250) })

		pub := mqttstate.NewPublisher(m)
		c.engine.SetWidgetRefresher(pub)
		statusSinks = append(statusSinks, pub.Status)
	}

	if cfg.Companion.Enabled {
		hubCfg := companion.DefaultConfig()
		hubCfg.ListenAddr = cfg.Companion.Listen
		hubCfg.Advertise = cfg.Companion.Advertise
		hubCfg.InstanceName = cfg.Companion.InstanceName

		hub := companion.NewHub(hubCfg, c.engine)
		if err := hub.Start(ctx); err != nil {
			return fmt.Errorf("failed to start companion hub: %w", err)
		}
		stops = append(stops, func() { hub.Stop() })

		c.engine.SetWearableRefresher(hub)
		statusSinks = append(statusSinks, hub.Status)
	}

	c.engine.SetStatusHandler(func(s engine.Status) {
		log.Printf("Status [%s]: %s", s.Level, s.Message)
		for _, sink := range statusSinks {
			sink(s)
		}
	})

	if err := c.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start send queue: %w", err)
	}
	defer c.queue.Stop()

	log.Printf("Starting RF Switch Controller v%s", version)
	if err := c.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if cfg.Triggers.Enabled {
		sub := trigger.NewSubscriber(trigger.Config{URL: cfg.Triggers.URL, Topics: cfg.Triggers.Topics}, c.engine)
		if err := sub.Start(ctx); err != nil {
			log.Printf("Failed to start trigger subscriber: %v", err)
		} else {
			stops = append(stops, func() { sub.Stop() })
		}
	}

	if cfg.RPC.Enabled {
		rpcCfg := rpc.DefaultConfig()
		rpcCfg.ListenAddr = cfg.RPC.Listen
		srv := rpc.NewServer(rpcCfg, rpc.NewControl(c.engine, c.db))
		if err := srv.Start(ctx); err != nil {
			log.Printf("Failed to start RPC server: %v", err)
		} else {
			stops = append(stops, srv.Stop)
		}
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	if err := c.engine.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// oneShot runs fn against a started send queue and waits for it to drain
func oneShot(fn func(ctx context.Context, c *controller) error) error {
	c, err := newController()
	if err != nil {
		return err
	}
	defer c.Close()

	var failed bool
	c.engine.SetStatusHandler(func(s engine.Status) {
		fmt.Println(s.Message)
		if s.Level == engine.LevelError {
			failed = true
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.queue.Start(ctx); err != nil {
		return err
	}
	err = fn(ctx, c)
	c.queue.Stop()

	if err != nil {
		return err
	}
	if failed {
		return errors.New("action failed")
	}
	return nil
}

// activeApartment resolves the --apartment flag, apartment.active or the
// only stored apartment
func (c *controller) activeApartment() (*storage.Apartment, error) {
	name := apartment
	if name == "" {
		name = c.cfg.Apartment.Active
	}
	if name != "" {
		return c.db.FindApartmentByName(name)
	}

	apts, err := c.db.ListApartments()
	if err != nil {
		return nil, err
	}
	if len(apts) != 1 {
		return nil, fmt.Errorf("%d apartments stored, select one with --apartment", len(apts))
	}
	return apts[0], nil
}

func executeReceiver(cmd *cobra.Command, args []string) error {
	return oneShot(func(ctx context.Context, c *controller) error {
		apt, err := c.activeApartment()
		if err != nil {
			return err
		}
		room, err := c.db.FindRoomByName(apt.ID, args[0])
		if err != nil {
			return err
		}
		rcv, err := c.db.FindReceiverByName(room.ID, args[1])
		if err != nil {
			return err
		}
		button, ok := rcv.ButtonByName(args[2])
		if !ok {
			return fmt.Errorf("receiver %q has no button %q", rcv.Name, args[2])
		}

		c.engine.ExecuteReceiverButton(ctx, rcv.ID, button.ID)
		return nil
	})
}

func executeRoom(cmd *cobra.Command, args []string) error {
	return oneShot(func(ctx context.Context, c *controller) error {
		apt, err := c.activeApartment()
		if err != nil {
			return err
		}
		room, err := c.db.FindRoomByName(apt.ID, args[0])
		if err != nil {
			return err
		}

		c.engine.ExecuteRoomButton(ctx, room.ID, args[1])
		return nil
	})
}

func executeScene(cmd *cobra.Command, args []string) error {
	return oneShot(func(ctx context.Context, c *controller) error {
		apt, err := c.activeApartment()
		if err != nil {
			return err
		}
		scene, err := c.db.FindSceneByName(apt.ID, args[0])
		if err != nil {
			return err
		}

		c.engine.ExecuteScene(ctx, scene.ID)
		return nil
	})
}

func executeActions(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid action id %q", arg)
		}
		ids = append(ids, id)
	}

	return oneShot(func(ctx context.Context, c *controller) error {
		c.engine.ExecuteActionIDs(ctx, ids)
		return nil
	})
}

func discoverGateways(cmd *cobra.Command, args []string) error {
	c, err := newController()
	if err != nil {
		return err
	}
	defer c.Close()

	d := discovery.New(discovery.Config{
		Addr:    c.cfg.Discovery.Address,
		Timeout: config.Milliseconds(c.cfg.Discovery.Timeout),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	found, err := d.Discover(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No gateways found")
		return nil
	}

	var apt *storage.Apartment
	if saveFound {
		if apt, err = c.activeApartment(); err != nil {
			log.Printf("New gateways will not be associated: %v", err)
		}
	}

	for _, f := range found {
		gw := f.Gateway()
		model := gw.Model
		if model == "" {
			model = "unknown"
		}
		fmt.Printf("%-16s %-18s firmware %s\n", gw.LocalHost, model, gw.FirmwareVersion)

		if !saveFound {
			continue
		}
		if f.Model == "" {
			fmt.Printf("  skipped: unsupported model\n")
			continue
		}
		if err := saveGateway(c.db, gw, apt); err != nil {
			return err
		}
	}
	return nil
}

// saveGateway stores a discovered gateway unless its host is known
func saveGateway(db *storage.DB, gw *storage.Gateway, apt *storage.Apartment) error {
	existing, err := db.FindGatewayByHost(gw.LocalHost)
	switch {
	case err == nil:
		fmt.Printf("  already stored as %q\n", existing.Name)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	gw.Timeout = 200 * time.Millisecond
	if _, err := db.InsertGateway(gw); err != nil {
		return fmt.Errorf("failed to save gateway %s: %w", gw.LocalHost, err)
	}
	if apt != nil {
		if err := db.AddApartmentGateway(apt.ID, gw.ID); err != nil {
			return err
		}
	}
	fmt.Printf("  saved as %q\n", gw.Name)
	return nil
}

func checkHealth(cmd *cobra.Command, args []string) error {
	addr := rpcAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.RPC.Listen
	}

	client, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.Healthy(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("controller not serving")
	}
	fmt.Println("SERVING")
	return nil
}
