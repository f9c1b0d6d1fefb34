package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwy15/ddpanel"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"
)

// fatalErr reports whether the run error warrants a non-zero exit. A replay
// cut short by the stop signal is a normal stop, not a failure; anything
// else, including a failed drain during shutdown, is.
func fatalErr(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func main() {
	var (
		recordOutput  string
		noFile        bool
		noInflux      bool
		replay        string
		replayDelayMS uint
		watch         string
		cookies       string
		logLevel      string
		logPretty     bool
	)
	flag.StringVar(&recordOutput, "record-output", "recorded-%.json.gz", "record file template, % expands to the date")
	flag.StringVar(&recordOutput, "o", "recorded-%.json.gz", "shorthand for -record-output")
	flag.BoolVar(&noFile, "no-file", false, "do not record to file (always on in replay mode)")
	flag.BoolVar(&noInflux, "no-influx", false, "do not write to influxdb")
	flag.StringVar(&replay, "replay", "", "replay the given archive instead of recording")
	flag.StringVar(&replay, "r", "", "shorthand for -replay")
	flag.UintVar(&replayDelayMS, "replay-delay", 100, "replay delay in ms per 1000 packets")
	flag.UintVar(&replayDelayMS, "s", 100, "shorthand for -replay-delay")
	flag.StringVar(&watch, "watch", "watch_rooms", "room roster file to watch")
	flag.StringVar(&watch, "w", "watch_rooms", "shorthand for -watch")
	flag.StringVar(&cookies, "cookies", "cookies.txt", "cookie file for the live connection")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.BoolVar(&logPretty, "log-pretty", false, "human readable log output")
	flag.Parse()

	// missing .env is fine, the environment may carry the config already
	_ = godotenv.Load()

	log, err := ddpanel.NewLogger(logLevel, logPretty)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if replay != "" {
		noFile = true
	}

	manager := ddpanel.NewManager(ddpanel.WithLogger(log))
	if !noInflux {
		cfg, err := ddpanel.LoadInfluxConfig()
		if err != nil {
			log.Fatal().Err(err).Msg("influx config")
		}
		buffer := ddpanel.DefaultTSDBBuffer
		if replay != "" {
			buffer = 128
		}
		manager.AttachTSDBSink(ddpanel.NewInfluxWriter(cfg), buffer)
	}
	if !noFile {
		if err := manager.AttachFileSink(recordOutput, "bili-"+recordOutput); err != nil {
			log.Fatal().Err(err).Msg("file sink")
		}
	}
	if noFile && noInflux {
		// at least one sink has to consume the broadcasts
		manager.AttachNoopSink()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if replay != "" {
		err = manager.Replay(ctx, replay, time.Duration(replayDelayMS)*time.Millisecond)
	} else {
		err = manager.Start(ctx, watch, cookies)
	}
	if fatalErr(err) {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("bye")
}
