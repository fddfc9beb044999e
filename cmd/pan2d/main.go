// Command pan2d is the headless task engine (spec §6): it loads a
// config, dials the configured servers, enqueues one Article download
// per file in the given NZB manifests, and drains the queue to
// completion. Grounded on the teacher's cmd/gonzb/main.go (cobra root
// command, signal-driven graceful shutdown, config.Load-then-dial
// ordering), extended with --no-gui/-o/--debug and the optional
// statusapi binding SPEC_FULL §6 adds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pan2/engine/internal/blobstore"
	"github.com/pan2/engine/internal/codec"
	"github.com/pan2/engine/internal/config"
	"github.com/pan2/engine/internal/logger"
	"github.com/pan2/engine/internal/nzb"
	"github.com/pan2/engine/internal/pool"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/queue"
	"github.com/pan2/engine/internal/statusapi"
	"github.com/pan2/engine/internal/tasks"
)

var (
	nzbPaths   []string
	noGUI      bool
	outputDir  string
	debug      bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "pan2d",
	Short: "pan2d is the headless pan2 task engine",
	Long:  "A concurrent NNTP fetch/post/decode engine driven from NZB manifests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(nzbPaths) == 0 {
			return fmt.Errorf("at least one --nzb is required")
		}
		return run()
	},
}

func init() {
	rootCmd.Flags().StringSliceVar(&nzbPaths, "nzb", nil, "NZB manifest(s) to download (required)")
	rootCmd.Flags().BoolVar(&noGUI, "no-gui", false, "run headless with no interactive GUI")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "download output directory (overrides config)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: $PAN_HOME/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pan2d:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if outputDir != "" {
		cfg.Download.OutDir = outputDir
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.LevelDebug
	}
	log, err := logger.New(cfg.Log.Path, level, cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Warn("interrupt received, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Download.OutDir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}

	articleCache, err := blobstore.NewArticleCache(fs, config.Home(), 4096)
	if err != nil {
		return fmt.Errorf("article cache: %w", err)
	}

	decoder := codec.NewWorker()
	defer decoder.Close()
	encoder := codec.NewWorker()
	defer encoder.Close()

	adapters := make(map[quark.Quark]*queueListenerAdapter, len(cfg.Servers))
	pools := make(map[quark.Quark]*pool.Pool, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		server := quark.Intern(sc.ID)
		adapter := &queueListenerAdapter{}
		adapters[server] = adapter
		pools[server] = pool.New(pool.ServerConfig{
			Server:         server,
			Addr:           fmt.Sprintf("%s:%d", sc.Host, sc.Port),
			TLS:            sc.TLS,
			Username:       sc.Username,
			Password:       sc.Password,
			MaxConnections: sc.MaxConnection,
			IdleTimeout:    90 * time.Second,
		}, log, adapter)
	}

	q := queue.New(queue.Config{
		Pools:      pools,
		Decoder:    decoder,
		Encoder:    encoder,
		Log:        log,
		FS:         fs,
		NZBPath:    filepath.Join(config.Home(), "state.nzb"),
		SaveDelay:  time.Duration(cfg.Queue.SaveDelaySecs) * time.Second,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	defer q.Close()
	for _, adapter := range adapters {
		adapter.q = q
	}
	for _, p := range pools {
		p.RequestConnection()
	}
	q.SetOnline(true)

	var srv *statusapi.Server
	if noGUI && cfg.HTTP.Addr != "" {
		srv = statusapi.New(q, log)
		go func() {
			if err := srv.Start(cfg.HTTP.Addr); err != nil {
				log.Warn("statusapi stopped: %v", err)
			}
		}()
		defer srv.Close()
	}

	total := 0
	for _, path := range nzbPaths {
		records, err := nzb.Load(fs, path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		for _, rec := range records {
			enqueueArticle(ctx, q, articleCache, cfg.Download.OutDir, rec, q.Return)
			total++
		}
	}
	if total == 0 {
		return fmt.Errorf("no downloadable entries found across %d NZB file(s)", len(nzbPaths))
	}

	return drain(ctx, q, total, log)
}

// enqueueArticle builds one Article task per NZB file entry and queues
// it at the bottom, mirroring the original's "new downloads append
// after in-progress work" ordering.
func enqueueArticle(ctx context.Context, q *queue.Queue, cache tasks.ArticleCache, outDir string, rec nzb.FileRecord, returnTo tasks.SessionReturner) {
	group := quark.Intern(rec.Groups[0])
	parts := make([]tasks.Part, len(rec.Segments))
	for i, seg := range rec.Segments {
		parts[i] = tasks.Part{MessageID: seg.MessageID, Bytes: seg.Bytes}
	}
	savePath := rec.SavePath
	if savePath == "" {
		savePath = rec.Subject
	}
	savePath = filepath.Join(outDir, filepath.Base(savePath))

	id := ksuid.New().String()
	art := tasks.NewArticle(ctx, id, cache, group, parts, savePath, tasks.SaveDecode|tasks.SaveRaw, rec.Poster, rec.Subject, rec.Date, returnTo)
	q.AddTask(art, queue.Bottom)
}

// drain polls Stats until every enqueued task has completed or the
// context is cancelled, printing a progress line gated by whether
// stdout is a terminal (spec §6: isatty decides bar vs. plain lines).
func drain(ctx context.Context, q *queue.Queue, total int, log *logger.Logger) error {
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Upkeep()
			st := q.Stats()
			line := fmt.Sprintf("%d/%d complete, %s pending", st.Completed, total, logger.Bytes(st.BytesPending))
			if interactive {
				fmt.Printf("\r%-60s", line)
			} else {
				log.Info("%s", line)
			}
			if st.Completed >= total {
				if interactive {
					fmt.Println()
				}
				return nil
			}
		}
	}
}

type queueListenerAdapter struct {
	q *queue.Queue
}

func (a *queueListenerAdapter) OnNntpAvailable(server quark.Quark) { a.q.OnNntpAvailable(server) }
func (a *queueListenerAdapter) OnPoolError(server quark.Quark, message string) {
	a.q.OnPoolError(server, message)
}
