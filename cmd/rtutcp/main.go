// Command rtutcp talks Modbus RTU to devices behind a Modbus/TCP gateway and
// can simulate such a device.
//
// Usage:
//
//	rtutcp [-config file] read [-fc 3] [-addr 0] [-count 1] [-host h] [-port p] [-unit u]
//	rtutcp [-config file] write [-addr 0] -value v [-host h] [-port p] [-unit u]
//	rtutcp [-config file] simulate [-listen addr]
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gmodbus "github.com/goburrow/modbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/TheCount/go-rtutcp/internal/config"
	"github.com/TheCount/go-rtutcp/internal/slave"
	"github.com/TheCount/go-rtutcp/modbus"
	"github.com/TheCount/go-rtutcp/modbus/rtuclient"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: %s [-config file] read|write|simulate [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", "", "YAML configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, closer, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	args := flag.Args()
	switch args[0] {
	case "read":
		err = runRead(ctx, cfg, logger, args[1:])
	case "write":
		err = runWrite(ctx, cfg, logger, args[1:])
	case "simulate":
		err = runSimulate(ctx, cfg, logger, args[1:])
	default:
		usage()
		stop()
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", args[0]).Msg("command failed")
		closer.Close()
		os.Exit(1)
	}
}

// deviceFlags registers the flags overriding the device configuration.
func deviceFlags(fs *flag.FlagSet, dev *config.DeviceConfig) {
	fs.StringVar(&dev.Host, "host", dev.Host, "gateway host")
	fs.IntVar(&dev.Port, "port", dev.Port, "gateway TCP port")
	fs.IntVar(&dev.UnitID, "unit", dev.UnitID, "slave address of the device")
}

// dial connects a goburrow client to the configured device. The returned
// function closes the connection.
func dial(
	ctx context.Context, dev config.DeviceConfig, logger zerolog.Logger,
) (gmodbus.Client, func(), error) {
	if dev.UnitID < 0 || dev.UnitID > 255 {
		return nil, nil, fmt.Errorf("unit id %d out of range", dev.UnitID)
	}
	transport, err := modbus.NewSocketTransport(
		modbus.WithDialTimeout(dev.DialTimeout()),
		modbus.WithKeepAlive(dev.KeepAlive()),
	)
	if err != nil {
		return nil, nil, err
	}
	reg := prometheus.NewRegistry()
	metrics, err := modbus.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	h, err := rtuclient.New(dev.Host, byte(dev.UnitID),
		modbus.WithPort(dev.Port),
		modbus.WithTransport(transport),
		modbus.WithLogger(logger),
		modbus.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	h.Timeout = dev.Timeout()
	dialCtx, cancel := context.WithTimeout(ctx, dev.DialTimeout())
	defer cancel()
	if err := h.Connect(dialCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", h.Port().Addr(), err)
	}
	return gmodbus.NewClient(h), func() {
		if err := h.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
		logStatistics(logger, reg)
	}, nil
}

// logStatistics logs the port counters gathered from g at debug level.
func logStatistics(logger zerolog.Logger, g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		logger.Warn().Err(err).Msg("gather port statistics")
		return
	}
	ev := logger.Debug()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				ev = ev.Float64(mf.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				ev = ev.Float64(mf.GetName(), m.GetGauge().GetValue())
			}
		}
	}
	ev.Msg("port statistics")
}

func runRead(
	ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string,
) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	deviceFlags(fs, &cfg.Device)
	fc := fs.Int("fc", int(modbus.FunctionReadHoldingRegisters),
		"function code: 1 coils, 2 discrete inputs, 3 holding registers, 4 input registers")
	addr := fs.Uint("addr", 0, "start address")
	count := fs.Uint("count", 1, "number of values")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr > 0xFFFF || *count == 0 || *count > 0xFFFF {
		return errors.New("address or count out of range")
	}
	client, closeClient, err := dial(ctx, cfg.Device, logger)
	if err != nil {
		return err
	}
	defer closeClient()

	start, n := uint16(*addr), uint16(*count)
	var results []byte
	switch modbus.FunctionCode(*fc) {
	case modbus.FunctionReadCoils:
		results, err = client.ReadCoils(start, n)
	case modbus.FunctionReadDiscreteInputs:
		results, err = client.ReadDiscreteInputs(start, n)
	case modbus.FunctionReadHoldingRegisters:
		results, err = client.ReadHoldingRegisters(start, n)
	case modbus.FunctionReadInputRegisters:
		results, err = client.ReadInputRegisters(start, n)
	default:
		return fmt.Errorf("unsupported function code %d", *fc)
	}
	if err != nil {
		return err
	}
	switch modbus.FunctionCode(*fc) {
	case modbus.FunctionReadCoils, modbus.FunctionReadDiscreteInputs:
		for i := 0; i < int(n); i++ {
			fmt.Printf("%d\t%d\n", int(start)+i, results[i/8]>>(i%8)&1)
		}
	default:
		for i := 0; i+1 < len(results); i += 2 {
			fmt.Printf("%d\t%d\n", int(start)+i/2, binary.BigEndian.Uint16(results[i:]))
		}
	}
	return nil
}

func runWrite(
	ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string,
) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	deviceFlags(fs, &cfg.Device)
	addr := fs.Uint("addr", 0, "holding register address")
	value := fs.Int("value", -1, "register value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr > 0xFFFF || *value < 0 || *value > 0xFFFF {
		return errors.New("address or value out of range")
	}
	client, closeClient, err := dial(ctx, cfg.Device, logger)
	if err != nil {
		return err
	}
	defer closeClient()
	_, err = client.WriteSingleRegister(uint16(*addr), uint16(*value))
	return err
}

func runSimulate(
	ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string,
) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.StringVar(&cfg.Simulator.Listen, "listen", cfg.Simulator.Listen, "listen address")
	fs.IntVar(&cfg.Simulator.UnitID, "unit", cfg.Simulator.UnitID, "unit to answer for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Simulator.UnitID < 0 || cfg.Simulator.UnitID > 255 {
		return fmt.Errorf("unit id %d out of range", cfg.Simulator.UnitID)
	}
	srv := slave.NewServer()
	bank, err := slave.NewBank(cfg.Simulator.Size)
	if err != nil {
		return err
	}
	if err := bank.AddToServer(srv, modbus.UnitID(cfg.Simulator.UnitID)); err != nil {
		return err
	}
	l, err := slave.Listen(srv,
		slave.WithListenAddress(cfg.Simulator.Listen),
		slave.WithTimeout(cfg.Simulator.Timeout()),
		slave.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return l.Close()
}
