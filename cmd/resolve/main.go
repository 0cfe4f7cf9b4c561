// Command resolve runs the link pipeline once over text given as
// arguments or on stdin and prints one report per link.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/iconidentify/linkgrabba/internal/app"
	"github.com/iconidentify/linkgrabba/internal/config"
	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file")
	jsonOut := flag.Bool("json", false, "Print reports as JSON lines")
	keep := flag.Bool("keep", false, "Keep downloaded artifacts after exit")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := config.LoadStandalone(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	text := strings.Join(flag.Args(), " ")
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		text = string(data)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := printer{w: os.Stdout, json: *jsonOut}
	reports := a.Pipeline.HandleMessage(ctx, text, a.Enabled, pipeline.DeliveryFunc(out.Deliver))
	if len(reports) == 0 {
		logger.Info("no supported links found")
	}

	if !*keep {
		a.Cache.Flush()
	}
	a.Close()

	for _, r := range reports {
		if r.Status != domain.ReportSuccess {
			os.Exit(2)
		}
	}
}

type printer struct {
	w    io.Writer
	json bool
}

func (p printer) Deliver(ctx context.Context, r *domain.Report) error {
	if p.json {
		return json.NewEncoder(p.w).Encode(r)
	}

	title := r.Title
	if title == "" {
		title = r.Ref.URL
	}
	fmt.Fprintf(p.w, "[%s] %s: %s\n", r.Platform, r.Status, title)
	if r.Error != "" {
		fmt.Fprintf(p.w, "  error: %s (%s)\n", r.Error, r.ErrorKind)
	}
	for _, item := range r.Items {
		switch {
		case item.Artifact != nil:
			fmt.Fprintf(p.w, "  #%d %s %s %s\n", item.Index, item.Status, humanize.IBytes(uint64(item.Artifact.Size)), item.Artifact.Path)
		case item.Error != "":
			fmt.Fprintf(p.w, "  #%d %s: %s\n", item.Index, item.Status, item.Error)
		default:
			fmt.Fprintf(p.w, "  #%d %s\n", item.Index, item.Status)
		}
	}
	if len(r.Items) > 1 {
		fmt.Fprintf(p.w, "  total %s, merge=%t\n", humanize.IBytes(uint64(r.TotalBytes)), r.Merge)
	}
	return nil
}
