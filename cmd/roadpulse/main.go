package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lettinghenry/roadpulse-sub001/internal/db"
	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
	"github.com/lettinghenry/roadpulse-sub001/internal/ingest"
	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
	"github.com/lettinghenry/roadpulse-sub001/internal/pipeline"
	"github.com/lettinghenry/roadpulse-sub001/internal/repository"
	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
	"github.com/lettinghenry/roadpulse-sub001/internal/serialmux"
	"github.com/lettinghenry/roadpulse-sub001/internal/session"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
	"github.com/lettinghenry/roadpulse-sub001/internal/version"
)

var (
	port           = flag.String("port", "/dev/ttyUSB0", "Serial port of the sensor bridge (ignored with -replay)")
	baudRate       = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	listPorts      = flag.Bool("list-ports", false, "List serial ports and exit")
	replayFile     = flag.String("replay", "", "Replay a recorded sensor log instead of opening the serial port")
	replayInterval = flag.Duration("replay-interval", 20*time.Millisecond, "Delay between replayed lines (0 = as fast as possible)")
	bridgeInit     = flag.String("bridge-init", "", "Semicolon-separated commands sent to the bridge on start")
	dbPath         = flag.String("db", "roadpulse.db", "Path to the SQLite database")
	configFile     = flag.String("config", "", "Tuning file (.json, .yaml or .yml); empty uses built-in defaults")
	deviceModel    = flag.String("device-model", "roadpulse-bridge", "Device model recorded on each event")
	mqttBroker     = flag.String("mqtt-broker", "", "MQTT broker for failure reports, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic      = flag.String("mqtt-topic", "roadpulse/reports", "MQTT topic for failure reports")
	mqttClientID   = flag.String("mqtt-client-id", "roadpulse", "MQTT client id")
	debugLog       = flag.Bool("debug", false, "Enable diagnostic logging")
	traceLog       = flag.Bool("trace", false, "Enable per-sample trace logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	setupLogging(os.Stderr, *debugLog, *traceLog)
	log.Print(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{
		Port:           *port,
		Serial:         serialmux.PortOptions{BaudRate: *baudRate},
		ReplayFile:     *replayFile,
		ReplayInterval: *replayInterval,
		BridgeInit:     splitCommands(*bridgeInit),
		DBPath:         *dbPath,
		ConfigFile:     *configFile,
		Device:         repository.DeviceInfo{Model: *deviceModel, PlatformVersion: version.Version},
		MQTT: monitoring.MQTTConfig{
			Broker:   *mqttBroker,
			ClientID: *mqttClientID,
			Topic:    *mqttTopic,
			Username: os.Getenv("ROADPULSE_MQTT_USERNAME"),
			Password: os.Getenv("ROADPULSE_MQTT_PASSWORD"),
		},
	}
	if err := run(ctx, opts); err != nil {
		log.Fatalf("roadpulse: %v", err)
	}
	log.Print("graceful shutdown complete")
}

// runMigrate handles `roadpulse migrate [-db path] <action>`.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("db", "roadpulse.db", "Path to the SQLite database")
	fs.Usage = func() { db.PrintMigrateHelp(fs.Output()) }
	fs.Parse(args)

	if err := db.RunMigrateCommand(os.Stdout, *path, fs.Args()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// setupLogging routes the per-package streams. Ops always goes to w.
func setupLogging(w io.Writer, debug, trace bool) {
	var diagW, traceW io.Writer
	if debug {
		diagW = w
	}
	if trace {
		traceW = w
	}
	monitoring.SetLogWriter(w)
	sensor.SetLogWriters(w, diagW, traceW)
	detect.SetLogWriters(diagW, traceW)
	ingest.SetLogWriters(w, diagW, traceW)
	pipeline.SetLogWriters(w, diagW, traceW)
	repository.SetLogWriters(repository.LogWriters{Ops: w, Diag: diagW, Trace: traceW})
}

func splitCommands(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ";") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

type options struct {
	Port           string
	Serial         serialmux.PortOptions
	ReplayFile     string
	ReplayInterval time.Duration
	BridgeInit     []string
	DBPath         string
	ConfigFile     string
	Device         repository.DeviceInfo
	MQTT           monitoring.MQTTConfig
	Clock          timeutil.Clock
}

type lineSource interface {
	serialmux.LineSource
	SendCommand(string) error
}

func openSource(opts options) (lineSource, error) {
	if opts.ReplayFile != "" {
		log.Printf("replaying %s", opts.ReplayFile)
		return serialmux.NewReplaySerialMux(opts.ReplayFile, opts.ReplayInterval)
	}
	mux, err := serialmux.NewRealSerialMux(opts.Port, opts.Serial)
	if err != nil {
		return nil, err
	}
	log.Printf("opened %s at %s", opts.Port, opts.Serial)
	return mux, nil
}

// run wires the components and blocks until ctx is done or the sensor source
// is exhausted.
func run(ctx context.Context, opts options) error {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	started := clock.Now()

	tuning, err := loadTuning(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("load tuning config: %w", err)
	}

	var reporter monitoring.Reporter = monitoring.LogReporter{}
	if opts.MQTT.Broker != "" {
		mqttReporter, disconnect, err := monitoring.DialMQTT(opts.MQTT)
		if err != nil {
			return err
		}
		defer disconnect()
		reporter = monitoring.Multi(reporter, mqttReporter)
	}

	database, err := db.NewDB(opts.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	sessionStore := db.NewSessionStore(database, clock)
	eventStore := db.NewEventStore(database)
	sessions := session.NewManager(clock,
		session.WithTimeout(tuning.GetSessionTimeout()),
		session.WithObserver(sessionStore))
	defer sessions.EndSession()

	repo := repository.NewEventRepository(repository.Config{
		Store:          eventStore,
		Sessions:       sessions,
		Clock:          clock,
		Reporter:       reporter,
		Device:         opts.Device,
		MaxEvents:      tuning.GetMaxEvents(),
		EvictionTarget: tuning.GetEvictionTarget(),
		RetentionDays:  tuning.GetRetentionDays(),
		Retries:        tuning.GetStorageRetries(),
		RetryBackoff:   tuning.GetStorageRetryBackoff(),
	})
	retention := repository.NewRetentionWorker(repository.RetentionWorkerConfig{
		Repository:    repo,
		Interval:      tuning.GetRetentionInterval(),
		RetentionDays: tuning.GetRetentionDays(),
		Clock:         clock,
	})

	pipe, err := pipeline.New(pipeline.Config{
		Processor:     sensor.NewProcessor(sensorConfig(tuning), clock, reporter),
		Detector:      detect.NewDetector(detectConfig(tuning)),
		Sessions:      sessions,
		Events:        repo,
		Clock:         clock,
		DriftInterval: tuning.GetDriftCheckInterval(),
		FlushInterval: 2 * tuning.GetMergeWindow(),
	})
	if err != nil {
		return err
	}

	source, err := openSource(opts)
	if err != nil {
		return err
	}
	for _, cmd := range opts.BridgeInit {
		if err := source.SendCommand(cmd); err != nil {
			source.Close()
			return fmt.Errorf("send %q to bridge: %w", cmd, err)
		}
	}
	_, lines := source.Subscribe()

	assembler := ingest.NewAssembler(tuning.GetGPSMaxAge())
	samples := make(chan sensor.SensorSample, 256)

	g, gctx := errgroup.WithContext(ctx)
	// Retention follows the pipeline so a finished replay ends the run.
	workerCtx, stopWorkers := context.WithCancel(gctx)
	defer stopWorkers()

	g.Go(func() error {
		defer source.Close()
		err := source.Monitor(gctx)
		log.Print("monitor routine terminated")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := assembler.Run(gctx, lines, samples)
		log.Printf("ingest routine terminated: %s", assembler.Stats())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stopWorkers()
		err := pipe.Run(gctx, samples)
		log.Printf("pipeline routine terminated: %s", pipe.Stats())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return retention.Run(workerCtx)
	})

	err = g.Wait()
	sessions.EndSession()
	logSummary(ctx, sessionStore, eventStore, started)
	return err
}
