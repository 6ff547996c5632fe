// Command nongview crops field polygons out of orthophotos and packages
// analysis results as GeoPackages. Each crop or export runs as a job under
// a supervisor next to the ops HTTP server (probes and metrics).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/dabom10/Nong-View/internal/core/config"
	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/core/server"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/logger"
	"github.com/dabom10/Nong-View/internal/service"
)

var Version = "dev"

const usage = `usage: nongview <command> [flags]

commands:
  validate -geometries FILE            check field polygons
  roi      -geometries FILE [-crs EPSG:5186] [-config FILE]
                                       batch region of interest bounds
  crop     -image REF -geometries FILE [-config FILE]
  export   -analyses ID,ID -region NAME [-purpose TEXT] [-config FILE]
  status   -job ID                     job snapshot (JOB_STORE=redis)
  jobs                                 list stored jobs
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "nongview",
	}, stderr)
	log := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	code := 0
	switch cmd {
	case "validate":
		code, err = cmdValidate(rest, stdout, cfg)
	case "roi":
		code, err = cmdROI(rest, stdout, cfg)
	case "crop", "export":
		code, err = cmdJob(ctx, cmd, rest, stdout, cfg, log)
	case "status", "jobs":
		code, err = cmdInspect(ctx, cmd, rest, stdout, cfg, log)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) || errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		log.Error("command failed", "command", cmd, "err", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// offline returns a service usable for the commands that run no jobs.
func offline(cfg config.Config) *service.Service {
	return service.New(nil, nil, nil, nil, nil, crs.NewTransformer(cfg.CRSCacheSize), "")
}

func cmdValidate(args []string, stdout io.Writer, cfg config.Config) (int, error) {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	geoms := fs.String("geometries", "", "GeoJSON FeatureCollection of field polygons")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if *geoms == "" {
		return 2, &model.ValidationError{Errors: []string{"-geometries is required"}}
	}
	gs, err := readGeometries(*geoms)
	if err != nil {
		return 1, err
	}
	report := offline(cfg).ValidationReport(gs)
	if err := printJSON(stdout, report); err != nil {
		return 1, err
	}
	for _, r := range report {
		if !r.Valid {
			return 3, nil
		}
	}
	return 0, nil
}

func cmdROI(args []string, stdout io.Writer, cfg config.Config) (int, error) {
	fs := flag.NewFlagSet("roi", flag.ContinueOnError)
	geoms := fs.String("geometries", "", "GeoJSON FeatureCollection of field polygons")
	target := fs.String("crs", model.DefaultCRS, "CRS of the returned bounds")
	cfgPath := fs.String("config", "", "crop config JSON")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if *geoms == "" {
		return 2, &model.ValidationError{Errors: []string{"-geometries is required"}}
	}
	cc := model.DefaultCropConfig()
	if err := readJSON(*cfgPath, &cc); err != nil {
		return 1, err
	}
	cc, err := model.NewCropConfig(cc)
	if err != nil {
		return 2, err
	}
	gs, err := readGeometries(*geoms)
	if err != nil {
		return 1, err
	}
	b, err := offline(cfg).ROIBounds(gs, cc, *target)
	if err != nil {
		return 2, err
	}
	return 0, printJSON(stdout, b)
}

func cmdJob(ctx context.Context, cmd string, args []string, stdout io.Writer, cfg config.Config, log *slog.Logger) (int, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	image := fs.String("image", "", "image reference under RASTER_ROOT")
	geoms := fs.String("geometries", "", "GeoJSON FeatureCollection of field polygons")
	analyses := fs.String("analyses", "", "comma separated analysis ids")
	region := fs.String("region", "", "region name")
	purpose := fs.String("purpose", "", "export purpose")
	cfgPath := fs.String("config", "", "crop or export config JSON")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}

	var submit func(context.Context, *service.Service) (string, error)
	switch cmd {
	case "crop":
		if *image == "" || *geoms == "" {
			return 2, &model.ValidationError{Errors: []string{"crop needs -image and -geometries"}}
		}
		cc := model.DefaultCropConfig()
		if err := readJSON(*cfgPath, &cc); err != nil {
			return 1, err
		}
		gs, err := readGeometries(*geoms)
		if err != nil {
			return 1, err
		}
		submit = func(ctx context.Context, s *service.Service) (string, error) {
			return s.SubmitCropJob(ctx, *image, gs, cc)
		}
	case "export":
		ec := model.DefaultExportConfig()
		if err := readJSON(*cfgPath, &ec); err != nil {
			return 1, err
		}
		req := model.ExportRequest{AnalysisIDs: splitList(*analyses), RegionName: *region, Purpose: *purpose, Config: ec}
		submit = func(ctx context.Context, s *service.Service) (string, error) {
			return s.SubmitExport(ctx, req)
		}
	}

	a, err := build(ctx, cfg, log)
	if err != nil {
		return 1, err
	}
	defer a.close(log)

	ops := server.New(cfg.Addr, server.Router(log, a.checks, a.scrape, a.obs), log)
	drain := cfg.ShutdownTimeout * 9 / 10
	r := newRunner(a.svc, func(ctx context.Context) (string, error) { return submit(ctx, a.svc) }, stdout, log, drain)

	log.Info("starting", "command", cmd, "version", Version, "addr", cfg.Addr, "job_store", cfg.JobStore)
	serr := supervise(ctx, log, cfg.ShutdownTimeout, ops, r)

	select {
	case job := <-r.result:
		return exitCode(job), nil
	default:
	}
	if serr == nil || errors.Is(serr, suture.ErrTerminateSupervisorTree) || errors.Is(serr, context.Canceled) {
		serr = errors.New("job did not finish")
	}
	return 1, unwrapTerminate(serr)
}

// unwrapTerminate strips the supervisor marker so the submit error's own
// type (validation or not) decides the exit code.
func unwrapTerminate(err error) error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range u.Unwrap() {
			if !errors.Is(e, suture.ErrTerminateSupervisorTree) {
				return e
			}
		}
	}
	return err
}

func cmdInspect(ctx context.Context, cmd string, args []string, stdout io.Writer, cfg config.Config, log *slog.Logger) (int, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	id := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if cmd == "status" && *id == "" {
		return 2, &model.ValidationError{Errors: []string{"status needs -job"}}
	}
	a, err := build(ctx, cfg, log)
	if err != nil {
		return 1, err
	}
	defer a.close(log)

	if cmd == "jobs" {
		js, err := a.svc.ListJobs(ctx)
		if err != nil {
			return 1, err
		}
		return 0, printJSON(stdout, js)
	}
	j, err := a.svc.GetJobStatus(ctx, *id)
	if err != nil {
		return 1, err
	}
	return 0, printJSON(stdout, j)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
