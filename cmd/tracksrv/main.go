// Command tracksrv is the single multiplexed executable dispatching to
// every component of the tracker backend, grounded on the teacher's
// main.go startup sequence (banner, .env overlay, fail-fast on init
// errors) but split one subcommand per component instead of one process
// running everything.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tracksrv/internal/bus"
	"tracksrv/internal/collector"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/protocol/bs"
	"tracksrv/internal/protocol/zx"
	"tracksrv/internal/rectifier"
	"tracksrv/internal/rectifier/googlemaps"
	"tracksrv/internal/rectifier/opencellid"
	"tracksrv/internal/storage"
	"tracksrv/internal/termconfig"
	"tracksrv/internal/wsgateway"
	"tracksrv/pkg/colors"
)

func main() {
	colors.PrintBanner()

	confPath := flag.String("c", "", "path to the per-device YAML configuration file")
	debug := flag.Bool("d", false, "log HTTP requests in the ws gateway")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		colors.PrintWarning("No .env file found, using system environment variables")
	} else {
		colors.PrintSuccess("Environment configuration loaded from .env file")
	}

	cfg := config.LoadSettings()
	if *confPath != "" {
		cfg.DeviceConfigPath = *confPath
	}
	if *debug {
		cfg.LogHTTP = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	cmd, rest := args[0], args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "collector":
		err = runCollector(ctx, cfg)
	case "storage":
		err = runStorage(ctx, cfg)
	case "rectifier":
		err = runRectifier(ctx, cfg)
	case "termconfig":
		err = runTermconfig(ctx, cfg)
	case "wsgateway":
		err = runWSGateway(ctx, cfg)
	case "ocid_download":
		colors.PrintWarning("ocid_download is out of scope for this build")
		os.Exit(0)
	case "send":
		err = runSend(cfg, rest)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tracksrv [-c conf] [-d] "+
		"<collector|storage|rectifier|termconfig|wsgateway|ocid_download|send> [args...]")
}

func newRegistry() *protocol.Registry {
	return protocol.NewRegistry(zx.New(), bs.New())
}

func runCollector(ctx context.Context, cfg *config.Settings) error {
	logger := logging.New("collector")
	c, err := collector.New(ctx, cfg, newRegistry())
	if err != nil {
		return err
	}
	defer logger.Shutdown()
	logger.Success("listening on %s", cfg.CollectorListenAddr)
	return c.Run(ctx)
}

func runStorage(ctx context.Context, cfg *config.Settings) error {
	logger := logging.New("storage")
	s, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer logger.Shutdown()
	logger.Success("recording to %s", cfg.StorageDSN)
	return s.Run(ctx)
}

func runRectifier(ctx context.Context, cfg *config.Settings) error {
	logger := logging.New("rectifier")
	backend, err := rectifierBackend(cfg)
	if err != nil {
		return err
	}
	r, err := rectifier.New(ctx, cfg, newRegistry(), backend)
	if err != nil {
		return err
	}
	defer logger.Shutdown()
	logger.Success("using %s backend", cfg.RectifierBackend)
	return r.Run(ctx)
}

func rectifierBackend(cfg *config.Settings) (rectifier.Backend, error) {
	switch cfg.RectifierBackend {
	case "googlemaps":
		return googlemaps.New(cfg.GoogleMapsAPIKey), nil
	case "opencellid", "":
		return opencellid.New(cfg.OpenCellIDDBPath), nil
	default:
		return nil, fmt.Errorf("unknown rectifier backend %q", cfg.RectifierBackend)
	}
}

func runTermconfig(ctx context.Context, cfg *config.Settings) error {
	logger := logging.New("termconfig")
	store, err := config.LoadDeviceStore(cfg.DeviceConfigPath)
	if err != nil {
		return err
	}
	t, err := termconfig.New(ctx, cfg, newRegistry(), store)
	if err != nil {
		return err
	}
	defer logger.Shutdown()
	logger.Success("serving device config from %s", cfg.DeviceConfigPath)
	return t.Run(ctx)
}

func runWSGateway(ctx context.Context, cfg *config.Settings) error {
	logger := logging.New("wsgateway")
	w, err := wsgateway.New(ctx, cfg, newRegistry())
	if err != nil {
		return err
	}
	defer logger.Shutdown()
	logger.Success("listening on %s", cfg.WSGatewayAddr)
	return w.Run(ctx)
}

// runSend implements the operator "send" subcommand: resolve <cmd> to an
// OutBuilder across every loaded protocol module the same way the ws
// gateway's command dispatch does, then push the built packet straight
// to the collector's pull channel.
func runSend(cfg *config.Settings, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <imei> <cmd> [k=v ...]")
	}
	imei, cmd, kvArgs := args[0], args[1], args[2:]

	kwargs := map[string]interface{}{}
	for _, kv := range kvArgs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed argument %q, want key=value", kv)
		}
		kwargs[parts[0]] = parseValue(parts[1])
	}

	_, builder, ok := newRegistry().ClassByPrefix(cmd)
	if !ok {
		return fmt.Errorf("no command %q known to any loaded protocol module", cmd)
	}
	packet, err := builder.BuildOut(kwargs)
	if err != nil {
		return fmt.Errorf("building %s for %s: %w", cmd, imei, err)
	}

	ctx := context.Background()
	pusher, err := bus.NewPusher(ctx, cfg.CollectorPullAddr)
	if err != nil {
		return err
	}
	defer pusher.Close()

	resp := bus.Resp{IMEI: imei, When: time.Now(), Packet: packet}
	if err := pusher.Push(resp.Pack()); err != nil {
		return err
	}
	colors.PrintSuccess("sent %s to %s", cmd, imei)
	return nil
}

// parseValue turns a bare command-line value into an int when it looks
// like one and a string otherwise. It never yields a list, so
// list-valued fields (alarms, phonenumbers) cannot be given through
// this CLI.
func parseValue(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
