// Package app assembles the link pipeline from configuration.
package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iconidentify/linkgrabba/internal/acquisition"
	"github.com/iconidentify/linkgrabba/internal/cache"
	"github.com/iconidentify/linkgrabba/internal/config"
	"github.com/iconidentify/linkgrabba/internal/cookies"
	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/downloader"
	"github.com/iconidentify/linkgrabba/internal/pipeline"
	"github.com/iconidentify/linkgrabba/internal/resolver"
	"github.com/iconidentify/linkgrabba/internal/storage"
	"github.com/iconidentify/linkgrabba/pkg/bilibili"
	"github.com/iconidentify/linkgrabba/pkg/douyin"
	"github.com/iconidentify/linkgrabba/pkg/ffmpeg"
	"github.com/iconidentify/linkgrabba/pkg/xiaohongshu"
)

// App is a wired pipeline and the components behind it.
type App struct {
	Enabled  domain.PlatformSet
	Store    *storage.FileStore
	Cache    *cache.Coordinator
	Pipeline *pipeline.Pipeline

	resolveCaches []*resolver.Cached
}

// New builds every component the pipeline needs. The caller owns the
// returned App and must Close it.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	enabled, err := cfg.EnabledPlatforms()
	if err != nil {
		return nil, err
	}
	policy := cfg.Policy()

	store, err := storage.NewFileStore(cfg.Storage.CachePath, cfg.Storage.MinFreeBytes)
	if err != nil {
		return nil, err
	}
	if n, err := store.Sweep(cfg.Storage.SweepAge); err != nil {
		logger.Warn("storage sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("removed stale artifacts", "count", n)
	}

	// A typed nil *ffmpeg.Muxer must not reach the engine.
	var muxer acquisition.Muxer
	if m, err := ffmpeg.NewMuxer(); err == nil {
		muxer = m
	} else {
		logger.Warn("ffmpeg not found, bilibili falls back to progressive streams", "error", err)
	}

	cookieDir := cfg.Cookies.Dir
	cookieSet := domain.NewPlatformSet(domain.PlatformDouyin)
	if cfg.Bilibili.UseCookies {
		cookieSet[domain.PlatformBilibili] = struct{}{}
	}
	if cfg.Xiaohongshu.UseCookies {
		cookieSet[domain.PlatformXiaohongshu] = struct{}{}
	}
	var provider cookies.Provider = cookies.None{}
	if cookieDir != "" {
		provider = cookies.NewFileProvider(cookieDir, cookieSet, logger)
	}

	a := &App{Enabled: enabled, Store: store}
	registry, err := a.resolvers(cfg, enabled, policy, muxer == nil, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	dl := downloader.NewHTTPDownloader(cfg.Download)
	dl.SetLogger(logger.With("component", "downloader"))
	engine := acquisition.NewEngine(dl, store, muxer, logger.With("component", "acquisition"))

	a.Cache = cache.New(engine, store, cache.Config{MaxEntries: cfg.Acquisition.CacheMaxEntries}, logger.With("component", "cache"))
	a.Pipeline = pipeline.New(registry, a.Cache, provider, policy, logger.With("component", "pipeline"))
	return a, nil
}

func (a *App) resolvers(cfg *config.Config, enabled domain.PlatformSet, policy domain.AcquisitionPolicy, progressive bool, logger *slog.Logger) (*resolver.Registry, error) {
	quality, err := config.ParseQuality(cfg.Bilibili.Quality)
	if err != nil {
		return nil, err
	}

	clients := map[domain.Platform]func(*http.Client) resolver.Resolver{
		domain.PlatformBilibili: func(hc *http.Client) resolver.Resolver {
			return bilibili.NewClient(bilibili.Config{
				Quality:         quality,
				Codecs:          config.ParseCodecs(cfg.Bilibili.Codecs),
				AllowHDR:        cfg.Bilibili.AllowHDR,
				AllowDolby:      cfg.Bilibili.AllowDolby,
				EnableMultiPage: cfg.Bilibili.EnableMultiPage,
				MultiPageMax:    cfg.Bilibili.MultiPageMax,
				Progressive:     progressive,
				UserAgent:       cfg.Download.UserAgent,
				HTTPClient:      hc,
			}, logger)
		},
		domain.PlatformDouyin: func(hc *http.Client) resolver.Resolver {
			return douyin.NewClient(douyin.Config{MaxMedia: cfg.Douyin.MaxMedia, HTTPClient: hc}, logger)
		},
		domain.PlatformXiaohongshu: func(hc *http.Client) resolver.Resolver {
			return xiaohongshu.NewClient(xiaohongshu.Config{
				DownloadOriginal: cfg.Xiaohongshu.DownloadOriginal,
				MaxMedia:         cfg.Xiaohongshu.MaxMedia,
				HTTPClient:       hc,
			}, logger)
		},
	}

	var list []resolver.Resolver
	for _, p := range domain.AllPlatforms {
		if !enabled.Has(p) {
			continue
		}
		jar, err := cookies.NewJar()
		if err != nil {
			return nil, err
		}
		hc := &http.Client{Timeout: 30 * time.Second, Jar: jar}

		cached, err := resolver.WithCache(
			resolver.WithRetry(clients[p](hc), policy, logger),
			cfg.ResolveCache.MaxEntries, cfg.ResolveCache.TTL,
		)
		if err != nil {
			return nil, fmt.Errorf("%s resolver: %w", p, err)
		}
		a.resolveCaches = append(a.resolveCaches, cached)
		list = append(list, cached)
	}
	return resolver.NewRegistry(list...)
}

// Close stops in-flight acquisitions and releases resolver caches.
// Artifacts stay on disk; the next start sweeps them.
func (a *App) Close() {
	if a.Cache != nil {
		a.Cache.Close()
	}
	for _, c := range a.resolveCaches {
		c.Close()
	}
}
