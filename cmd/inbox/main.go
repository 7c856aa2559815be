package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"wa-inbox/internal/config"
	"wa-inbox/internal/domain"
	"wa-inbox/internal/logging"
	"wa-inbox/internal/poller"
	"wa-inbox/internal/projection"
	"wa-inbox/internal/render"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		phone       = flag.String("phone", "", "conversation to open")
		once        = flag.Bool("once", false, "poll once, print, and exit")
		csvURL      = flag.String("csv-url", cfg.CSVExportURL, "published CSV export URL")
		interval    = flag.Duration("interval", cfg.PollInterval, "poll interval")
		minInterval = flag.Duration("min-interval", cfg.PollMinInterval, "minimum time between fetches")
		relayURL    = flag.String("relay-url", "", "relay base URL; typed lines are sent to -phone")
		width       = flag.Int("width", 100, "render width in columns")
	)
	flag.Parse()
	cfg.CSVExportURL = *csvURL
	if err := cfg.RequireInbox(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid time zone", "err", err)
		os.Exit(1)
	}

	p, err := poller.New(cfg.CSVExportURL, cfg.Codec(),
		poller.WithInterval(*interval),
		poller.WithMinInterval(*minInterval),
		poller.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create poller", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := render.Options{Width: *width, Location: loc}
	if *once {
		res, _, err := p.Poll(ctx, poller.State{}, time.Now())
		if err != nil {
			logger.Error("poll failed", "err", err)
			os.Exit(1)
		}
		if err := render.Inbox(os.Stdout, frame(res.Messages, *phone, "", nil, loc), opts); err != nil {
			os.Exit(1)
		}
		return
	}

	var comp *composer
	if *relayURL != "" {
		if *phone == "" {
			fmt.Fprintln(os.Stderr, "-relay-url needs -phone")
			os.Exit(2)
		}
		comp = newComposer(*relayURL)
	}

	refresh := make(chan struct{}, 1)
	results := make(chan poller.Result)
	go readInput(ctx, logger, refresh, comp, *phone)
	go p.Run(ctx, poller.State{}, refresh, func(r poller.Result) {
		select {
		case results <- r:
		case <-ctx.Done():
		}
	})

	var latest poller.Latest
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			if !latest.Apply(r) {
				continue
			}
			status := ""
			switch {
			case r.Updated:
				status = "updated " + time.Now().In(loc).Format("15:04:05")
			case r.Unchanged:
				status = "no new messages"
			}
			fmt.Fprint(os.Stdout, "\033[H\033[2J")
			if err := render.Inbox(os.Stdout, frame(latest.Messages, *phone, status, latest.Err, loc), opts); err != nil {
				logger.Error("render failed", "err", err)
			}
		}
	}
}

func frame(msgs []domain.Message, phone, status string, err error, loc *time.Location) render.View {
	v := render.View{
		Summaries:    projection.Summaries(msgs),
		Selected:     phone,
		MessageCount: len(msgs),
		Status:       status,
		Err:          err,
		Now:          time.Now(),
	}
	if phone != "" {
		v.Thread = projection.Thread(msgs, phone, loc)
	}
	return v
}

// readInput turns an empty line into a refresh request and, with a
// composer, sends any other line to phone.
func readInput(ctx context.Context, logger *slog.Logger, refresh chan<- struct{}, c *composer, phone string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && c != nil {
			if err := c.send(ctx, phone, line); err != nil {
				logger.Error("send failed", "to", phone, "err", err)
				continue
			}
		}
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
}
