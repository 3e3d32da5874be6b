package main

import (
	"context"
	"device/rp"
	"flag"
	"fmt"
	"log/slog"
	"machine"
	"os"
	"runtime"
	"time"

	"github.com/dgt3000/ble-gateway/internal/ble"
	"github.com/dgt3000/ble-gateway/internal/config"
	"github.com/dgt3000/ble-gateway/internal/dgtlink"
	"github.com/dgt3000/ble-gateway/internal/queue"
	"github.com/dgt3000/ble-gateway/internal/task"
)

// version is set at build time via -ldflags.
var version = "dev"

// Master I2C0 pins and the target-mode I2C1 interrupt number: I2C0 is bus
// master (talks to the clock), I2C1 runs in DesignWare target/slave mode
// (receives the clock's unsolicited pushes). Master wiring is fixed to
// this pin pair for the reference board.
const (
	masterSDA = machine.GPIO4
	masterSCL = machine.GPIO5
	slaveIRQ  = 24 // I2C1_IRQ on RP2040
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/dgt3000-gateway/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dgt3000-gateway %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logLevel := config.ParseLogLevel(cfg.LogLevel)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	printBanner(cfg)

	master, err := dgtlink.NewHardwareMaster(machine.I2C0, masterSDA, masterSCL)
	if err != nil {
		slog.Error("initializing master I2C bus failed", "error", err)
		os.Exit(1)
	}
	slave := dgtlink.NewHardwareSlave(rp.I2C1, slaveIRQ)

	linkCfg := dgtlink.LinkConfig{
		MasterTargetAddr: cfg.Clock.MasterTargetAddr,
		WakeUpAddr:       cfg.Clock.WakeUpAddr,
		SlaveDataAddr:    cfg.Clock.SlaveDataAddr,
		SlaveAckAddr:     cfg.Clock.SlaveAckAddr,
		AckTimeout:       cfg.Clock.AckTimeout,
		PingTimeout:      cfg.Clock.PingTimeout,
		ListenSettle:     cfg.Clock.ListenSettle,
		AckPollInterval:  time.Millisecond,
	}
	link := dgtlink.NewClockLink(master, slave, linkCfg)

	transport := queue.NewTransport(
		cfg.Queues.RawCommandCapacity,
		cfg.Queues.EventCapacity,
		cfg.Queues.ResponseCapacity,
	).WithHealthPolicy(cfg.Queues.HealthCheckInterval, cfg.Queues.UtilizationWarn)

	clockTask := task.NewClockTask(link, transport, &boardHealthProbe{}, task.Config{
		LoopPeriod:          cfg.Clock.LoopPeriod,
		ResponseSendTimeout: 50 * time.Millisecond,
		EventSendTimeout:    50 * time.Millisecond,
		RecoveryDelay:       cfg.Recovery.Delay,
		RecoveryMaxAttempts: cfg.Recovery.MaxAttempts,
		FirmwareVersion:     version,
		DeviceName:          cfg.BLE.DeviceName,
	}, logger)

	adapter := ble.NewAdapter(ble.Config{DeviceName: cfg.BLE.DeviceName}, transport, clockTask, ble.Lifecycle{
		OnConnect:    clockTask.OnBLEConnected,
		OnDisconnect: clockTask.OnBLEDisconnected,
		OnSubscribe:  func() { slog.Info("ble client subscribed to notifications") },
	}, logger)

	if err := adapter.Start(); err != nil {
		slog.Error("starting ble adapter failed", "error", err)
		os.Exit(1)
	}
	slog.Info("advertising", "device_name", cfg.BLE.DeviceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The I2C task runs pinned to a dedicated core; LockOSThread
	// approximates that pinning on a goroutine scheduler that otherwise
	// has no core-affinity concept.
	go func() {
		runtime.LockOSThread()
		clockTask.Run(ctx)
	}()

	adapter.NotifyLoop(ctx)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. On first run, it
// writes a default config file.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("config loaded", "path", defaultPath)
		return cfg, nil
	}

	if created, err := config.WriteDefault(); err != nil {
		slog.Warn("could not write default config", "error", err)
	} else if created != "" {
		slog.Info("created default config", "path", created)
	}

	return config.Default(), nil
}

func printBanner(cfg *config.Config) {
	fmt.Println("=== dgt3000-gateway ===")
	fmt.Printf("  Version:      %s\n", version)
	fmt.Printf("  Device name:  %s\n", cfg.BLE.DeviceName)
	fmt.Printf("  Master addr:  0x%02X (wake-up 0x%02X)\n", cfg.Clock.MasterTargetAddr, cfg.Clock.WakeUpAddr)
	fmt.Printf("  Slave addrs:  data 0x%02X, ack 0x%02X\n", cfg.Clock.SlaveDataAddr, cfg.Clock.SlaveAckAddr)
	fmt.Printf("  Loop period:  %s\n", cfg.Clock.LoopPeriod)
	fmt.Printf("  Log level:    %s\n", cfg.LogLevel)
	fmt.Println("========================")
}

// boardHealthProbe implements gwtype.HealthProbe. The reference board
// wires no die-temperature ADC channel and TinyGo's runtime exposes no
// portable free-heap accounting on this target, so both readings are
// fixed placeholders until a board revision adds the sensor.
type boardHealthProbe struct{}

func (boardHealthProbe) TemperatureC() float32 {
	return 0
}

func (boardHealthProbe) FreeHeapBytes() uint32 {
	return 0
}
