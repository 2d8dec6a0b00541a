package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"chatmark/internal/config"
	"chatmark/internal/diagram"
	"chatmark/internal/logging"
	"chatmark/internal/render"
	"chatmark/internal/repair"
	"chatmark/internal/resolver"
	"chatmark/internal/server"
	"chatmark/internal/usage"
	"chatmark/internal/watch"
)

func main() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: chatmark <path> [--config FILE] [--host HOST] [--port PORT] [--no-open]\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Starts a local rich-content viewer for a directory of markdown documents.\n")
		flag.PrintDefaults()
	}

	configPath := flag.String("config", "", "Config file (optional; CHATMARK_* env vars override)")
	host := flag.String("host", "", "Host/interface to bind to (overrides config)")
	port := flag.Int("port", -1, "Port to listen on (overrides config; 0 = auto)")
	noOpen := flag.Bool("no-open", false, "Do not open the browser automatically")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	root, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	st, err := os.Stat(root)
	if err != nil {
		fatal(err)
	}
	if !st.IsDir() {
		fatal(errors.New("path must be a directory"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *host != "" {
		cfg.Set("server.host", *host)
	}
	if *port >= 0 {
		cfg.Set("server.port", *port)
	}

	log := logging.New(logging.Config{
		Filename:   cfg.GetString("log.filename"),
		Level:      cfg.GetString("log.level"),
		MaxSizeMB:  cfg.GetInt("log.max_size"),
		MaxBackups: cfg.GetInt("log.max_backups"),
		MaxAgeDays: cfg.GetInt("log.max_age"),
		Compress:   cfg.GetBool("log.compress"),
	})
	defer func() { _ = log.Sync() }()

	store := resolver.NewDirStore(filepath.Join(root, cfg.GetString("content.attachments_dir")))
	res := resolver.New(store, log)

	collector := usage.NewCollector()

	var fixer diagram.Fixer
	if apiKey := cfg.GetString("repair.api_key"); apiKey != "" {
		rc := repair.Config{
			APIKey:               apiKey,
			BaseURL:              cfg.GetString("repair.base_url"),
			Model:                cfg.GetString("repair.model"),
			Timeout:              time.Duration(cfg.GetInt("repair.timeout_seconds")) * time.Second,
			PromptPricePer1K:     cfg.GetFloat64("repair.prompt_price_per_1k"),
			CompletionPricePer1K: cfg.GetFloat64("repair.completion_price_per_1k"),
		}
		fixer = repair.NewClient(rc, log)
		log.Info("diagram repair enabled", zap.String("model", rc.Model))
	} else {
		log.Info("diagram repair disabled, no credential configured")
	}

	engine := diagram.NewEngine(fixer, collector, log)

	renderer := render.New(render.Options{
		Resolver:             res,
		Engine:               engine,
		BrokenImageIndicator: cfg.GetString("render.broken_image_indicator"),
		Logger:               log,
	})

	s, err := server.New(server.Options{
		Root:      root,
		Renderer:  renderer,
		Collector: collector,
		Log:       log,
	})
	if err != nil {
		fatal(err)
	}

	collector.Notify(func(snap usage.Snapshot) {
		s.Hub().Broadcast(watch.Event{Type: "usage-updated", Data: snap})
	})

	addr := fmt.Sprintf("%s:%d", cfg.GetString("server.host"), cfg.GetInt("server.port"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fatal(err)
	}
	url := fmt.Sprintf("http://%s/", ln.Addr().String())

	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(err)
		}
	}()

	fmt.Printf("chatmark: serving %s\n", root)
	fmt.Printf("chatmark: open %s\n", url)
	log.Info("server started", zap.String("root", root), zap.String("url", url))
	if !*noOpen {
		_ = browser.OpenURL(url)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = s.Close()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "chatmark: %v\n", err)
	os.Exit(1)
}
