package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samvad-hq/dashboard-publisher/internal/config"
	"github.com/samvad-hq/dashboard-publisher/internal/domain"
	"github.com/samvad-hq/dashboard-publisher/internal/logger"
	"github.com/samvad-hq/dashboard-publisher/internal/storage"
	"github.com/samvad-hq/dashboard-publisher/pkg/publishers"
	"github.com/samvad-hq/dashboard-publisher/pkg/restcall"
)

const sentSuffix = ".sent"

// EventPublisher delivers events to the configured sinks.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
	Size() int
	Close() error
}

// Reporter reports host builds to the dashboard and any mirror sinks.
type Reporter struct {
	cfg      *config.Config
	exec     *restcall.Executor
	fanout   EventPublisher
	store    storage.Store
	log      logger.Logger
	interval time.Duration
}

// ProxyFromConfig returns the host proxy, or nil when none is configured.
func ProxyFromConfig(cfg *config.Config) *restcall.ProxyConfig {
	if !cfg.HasProxy() {
		return nil
	}
	return &restcall.ProxyConfig{
		Host:         cfg.ProxyHost,
		Port:         cfg.ProxyPort,
		Username:     cfg.ProxyUsername,
		Password:     cfg.ProxyPassword,
		NoProxyHosts: cfg.NoProxyHosts,
	}
}

// NewExecutor builds the request executor from host configuration.
func NewExecutor(cfg *config.Config, log logger.Logger) *restcall.Executor {
	return restcall.New(cfg.UseProxy,
		restcall.WithProxy(ProxyFromConfig(cfg)),
		restcall.WithTimeout(cfg.RequestTimeout),
		restcall.WithAPIUser(cfg.APIUser),
		restcall.WithLogger(log),
	)
}

// NewReporter builds a reporter runtime from config files.
func NewReporter(ctx context.Context, cfg *config.Config, log logger.Logger) (*Reporter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = logger.NopLogger{}
	}

	publisherReg, err := publishers.LoadRegistry(cfg.PublishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := publisherReg.Enabled()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no publishers configured")
	}

	pubs, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, publishers.Deps{
		Log:      log,
		UseProxy: cfg.UseProxy,
		Proxy:    ProxyFromConfig(cfg),
		Timeout:  cfg.RequestTimeout,
		APIUser:  cfg.APIUser,
	})
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}
	summaries := make([]map[string]string, 0, len(enabled))
	for _, p := range enabled {
		summaries = append(summaries, map[string]string{"id": p.ID, "type": p.Type})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})

	store, err := storage.NewStore(cfg.StorageType, cfg.BBoltPath, storage.Options{
		EventTTL:        cfg.StorageTTL,
		CleanupInterval: cfg.StorageCleanupInterval,
	})
	fanout := publishers.NewFanout(pubs)
	if err != nil {
		_ = fanout.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	return newReporter(cfg, NewExecutor(cfg, log), fanout, store, log), nil
}

func newReporter(cfg *config.Config, exec *restcall.Executor, fanout EventPublisher, store storage.Store, log logger.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg,
		exec:     exec,
		fanout:   fanout,
		store:    store,
		log:      log,
		interval: cfg.SpoolInterval,
	}
}

// Probe GETs url, authenticating when dashboard credentials are configured.
func Probe(ctx context.Context, cfg *config.Config, exec *restcall.Executor, url string) restcall.CallResult {
	if strings.TrimSpace(cfg.DashboardUser) != "" && strings.TrimSpace(cfg.DashboardToken) != "" {
		return exec.GetWithAuth(ctx, url, cfg.DashboardUser, cfg.DashboardToken)
	}
	return exec.Get(ctx, url)
}

// Check probes the configured dashboard endpoint.
func (r *Reporter) Check(ctx context.Context) restcall.CallResult {
	return Probe(ctx, r.cfg, r.exec, r.cfg.DashboardURL)
}

// Report delivers one build. Builds without an ID get a generated one, which also
// serves as the correlation ID. Already delivered builds are skipped.
func (r *Reporter) Report(ctx context.Context, build domain.Build) (domain.Build, error) {
	if strings.TrimSpace(build.ID) == "" {
		build.ID = uuid.NewString()
	}

	seen, err := r.store.SeenEvent(build.ID)
	if err != nil {
		r.log.WarnObj("dedupe lookup failed; reporting anyway", "storage_error", map[string]any{
			"build_id": build.ID,
			"error":    err.Error(),
		})
	}
	if seen {
		r.log.DebugObj("build already reported", "build_id", build.ID)
		return build, nil
	}

	delivered, err := r.fanout.Publish(ctx, publishers.NewEvent(build))
	if delivered > 0 {
		if markErr := r.store.MarkEvent(build.ID); markErr != nil {
			r.log.ErrorObj("mark build reported failed", "storage_error", map[string]any{
				"build_id": build.ID,
				"error":    markErr.Error(),
			})
		}
	}
	r.log.InfoObj("build reported", "report_result", map[string]any{
		"build_id":  build.ID,
		"job":       build.JobName,
		"delivered": delivered,
		"sinks":     r.fanout.Size(),
	})
	if err != nil {
		return build, fmt.Errorf("report build %s: %w", build.ID, err)
	}
	return build, nil
}

// ReportFile reads a JSON build from path and reports it. A build without an ID
// gets one derived from the path and file content, so rescans of the same file
// keep the same ID.
func (r *Reporter) ReportFile(ctx context.Context, path string) (domain.Build, error) {
	build, raw, err := readBuild(path)
	if err != nil {
		return domain.Build{}, err
	}
	if strings.TrimSpace(build.ID) == "" {
		build.ID = spoolBuildID(path, raw)
	}
	return r.Report(ctx, build)
}

func spoolBuildID(path string, raw []byte) string {
	name := append([]byte(filepath.Clean(path)+"\x00"), raw...)
	return uuid.NewSHA1(uuid.NameSpaceURL, name).String()
}

// Run scans the spool directory on every tick until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if r == nil || r.fanout == nil {
		return fmt.Errorf("reporter is not initialized")
	}
	if err := os.MkdirAll(r.cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	r.log.InfoObj("reporter loop starting", "reporter_state", map[string]any{
		"spool_dir":        r.cfg.SpoolDir,
		"publishers_count": r.fanout.Size(),
		"interval":         r.interval.String(),
	})

	if err := r.runOnce(ctx); err != nil {
		r.log.ErrorObj("initial spool scan failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.InfoObj("reporter loop exiting", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				r.log.ErrorObj("spool scan failed", "error", err)
			}
		}
	}
}

// runOnce reports every pending spool file; delivered files are renamed with sentSuffix.
func (r *Reporter) runOnce(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(r.cfg.SpoolDir, "*.json"))
	if err != nil {
		return fmt.Errorf("scan spool: %w", err)
	}
	sort.Strings(files)

	var errs []error
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.ReportFile(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		if err := os.Rename(path, path+sentSuffix); err != nil {
			errs = append(errs, fmt.Errorf("mark %s sent: %w", filepath.Base(path), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks and storage.
func (r *Reporter) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.fanout != nil {
		errs = append(errs, r.fanout.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}

func readBuild(path string) (domain.Build, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Build{}, nil, fmt.Errorf("read build file: %w", err)
	}
	var build domain.Build
	if err := json.Unmarshal(raw, &build); err != nil {
		return domain.Build{}, nil, fmt.Errorf("decode build file: %w", err)
	}
	return build, raw, nil
}
