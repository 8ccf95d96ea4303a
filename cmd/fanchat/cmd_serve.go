package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fanchat/internal/config"
	"fanchat/internal/gallery"
	"fanchat/internal/logging"
	"fanchat/internal/web"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat page and the admin gallery",
	Long: `Serve the chat page and the admin gallery.

With --watch (the default) edits to the config file reach new page views
without a restart: persona, greeting, fallback text, timeout, site name and
upload limits. The listen address, API key and model need a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the config file when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, err := newChatClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer attachUsage(cfg, client)()

	gal := newGallery(cfg, client)
	srv := web.New(web.Options{
		Addr:            cfg.Server.Addr,
		Name:            cfg.Name,
		Client:          chatClient(client),
		Gallery:         gal,
		Session:         cfg.SessionConfig(),
		WriteRate:       cfg.Server.WriteRate,
		WriteBurst:      cfg.Server.WriteBurst,
		ReadLimit:       cfg.Server.ReadLimit,
		MaxUploadBytes:  cfg.Gallery.MaxUploadBytes,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s (Ctrl+C to stop)\n", cfg.Name, cfg.Server.Addr)
	logging.Boot("serve addr=%s model=%s", cfg.Server.Addr, cfg.LLM.Model)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if serveWatch {
		if w, err := config.NewWatcher(configPath, loadConfig, applyReload(srv, gal)); err != nil {
			logging.BootWarn("config reload disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	return g.Wait()
}

// applyReload returns the watcher callback that swaps the reloadable settings.
func applyReload(srv *web.Server, gal *gallery.Gallery) func(*config.Config) {
	return func(cfg *config.Config) {
		srv.UpdateSettings(web.Settings{
			Name:           cfg.Name,
			Session:        cfg.SessionConfig(),
			MaxUploadBytes: cfg.Gallery.MaxUploadBytes,
		})
		gal.SetConfig(galleryConfig(cfg))
	}
}
