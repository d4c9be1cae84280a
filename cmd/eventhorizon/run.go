package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/eventhorizon/internal/config"
	"github.com/banshee-data/eventhorizon/internal/ingest"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

var (
	sourceKind    string
	sourceAddress string
	sourceSubject string
	baudRate      int

	replayPort     uint16
	replaySpeed    float64
	replayLines    int
	replayInterval time.Duration
	keepServing    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a live TCP, serial or NATS source",
	Long: `Connect to the acquisition source named in the config file (or on the
command line) and run the pipeline until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc := cfg.GetSource()
		flags := cmd.Flags()
		if flags.Changed("source") {
			sc.Kind = sourceKind
		}
		if flags.Changed("address") {
			sc.Address = sourceAddress
		}
		if flags.Changed("subject") {
			sc.Subject = sourceSubject
		}
		if flags.Changed("baud") {
			sc.Serial.BaudRate = baudRate
		}
		switch sc.Kind {
		case config.SourceFile, config.SourcePcap:
			return fmt.Errorf("source kind %q is a recording; use the replay command", sc.Kind)
		}
		src, err := newSource(sc)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, cfg, src)
		if err != nil {
			return err
		}
		defer a.close()
		return a.run(ctx, nil)
	},
}

// doneSource is a replay source that reports when its recording ends.
type doneSource interface {
	Done() <-chan struct{}
}

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Analyze a recorded descriptor file or pcap capture",
	Long: `Feed a recording through the pipeline. Files ending in .pcap are read as
packet captures and their UDP/TCP payloads replayed; anything else is read
as descriptor text. When the recording ends the final results are printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := args[0]
		if _, err := os.Stat(path); err != nil {
			return err
		}
		var (
			src    pipeline.Source
			replay doneSource
		)
		if strings.EqualFold(filepath.Ext(path), ".pcap") {
			ps := ingest.NewPcapSource(path, replayPort)
			ps.Speed = replaySpeed
			src, replay = ps, ps
		} else {
			fs := ingest.NewFileSource(path)
			if replayLines > 0 {
				fs.Lines = replayLines
			}
			fs.Interval = replayInterval
			src, replay = fs, fs
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, cfg, src)
		if err != nil {
			return err
		}
		defer a.close()

		done := replay.Done()
		if keepServing {
			done = nil
		}
		if err := a.run(ctx, done); err != nil {
			return err
		}
		a.summary(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&sourceKind, "source", "", "source kind: tcp, serial or nats")
	runCmd.Flags().StringVar(&sourceAddress, "address", "", "TCP host:port, serial device or NATS URL")
	runCmd.Flags().StringVar(&sourceSubject, "subject", "", "NATS subject")
	runCmd.Flags().IntVar(&baudRate, "baud", 0, "serial baud rate")

	replayCmd.Flags().Uint16Var(&replayPort, "port", 0, "pcap destination port to replay (0 for any)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "pcap replay speed relative to capture time (0 for as fast as possible)")
	replayCmd.Flags().IntVar(&replayLines, "lines", 0, "text lines delivered per block")
	replayCmd.Flags().DurationVar(&replayInterval, "interval", 0, "pause between text blocks")
	replayCmd.Flags().BoolVar(&keepServing, "serve", false, "keep serving after the recording ends until interrupted")
}
