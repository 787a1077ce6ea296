// meshmotion runs bed-compensated motion planning against a machine
// configuration: it loads or probes a bed mesh, splits moves at mesh
// cell boundaries, plans them through the look-ahead queue and hands the
// planned blocks to a serial port.
//
// Usage:
//
//	meshmotion -config machine.cfg [options]
//
// Options:
//
//	-config string   Machine configuration file (required)
//	-slot int        Mesh storage slot (default 0)
//	-load            Load the mesh from -slot before anything else
//	-demo            Probe a synthetic bed, store it in -slot and plan a
//	                 serpentine pass over it
//	-serve           Serve the monitor endpoints until interrupted
//	-serial string   Serial port for planned blocks (overrides [serial])
//	-dump string     Write the mesh to stdout as text, csv or json
//	-png string      Render the mesh heatmap to a PNG file
//	-archive string  Save the mesh in the snapshot archive under this name
//	-logfile string  Also write the log to this file, rotated at 10 MiB
//
// Examples:
//
//	# Probe, plan and watch the queue on http://127.0.0.1:7125/ws/queue
//	meshmotion -config machine.cfg -demo -serve
//
//	# Print the mesh stored in slot 2
//	meshmotion -config machine.cfg -load -slot 2 -dump text
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshmotion/pkg/archive"
	"meshmotion/pkg/config"
	"meshmotion/pkg/consumer"
	"meshmotion/pkg/errors"
	"meshmotion/pkg/kinematics"
	"meshmotion/pkg/log"
	"meshmotion/pkg/mesh"
	"meshmotion/pkg/metrics"
	"meshmotion/pkg/monitor"
	"meshmotion/pkg/planner"
	"meshmotion/pkg/render"
	"meshmotion/pkg/safety"
	"meshmotion/pkg/segment"
)

type options struct {
	configPath string
	slot       int
	load       bool
	demo       bool
	serve      bool
	serial     string
	dump       string
	png        string
	archive    string
	logFile    string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("meshmotion", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Machine configuration file (required)")
	fs.IntVar(&o.slot, "slot", 0, "Mesh storage slot")
	fs.BoolVar(&o.load, "load", false, "Load the mesh from -slot at startup")
	fs.BoolVar(&o.demo, "demo", false, "Probe a synthetic bed and plan a serpentine pass")
	fs.BoolVar(&o.serve, "serve", false, "Serve the monitor endpoints until interrupted")
	fs.StringVar(&o.serial, "serial", "", "Serial port for planned blocks (overrides [serial])")
	fs.StringVar(&o.dump, "dump", "", "Write the mesh to stdout: text, csv or json")
	fs.StringVar(&o.png, "png", "", "Render the mesh heatmap to this PNG file")
	fs.StringVar(&o.archive, "archive", "", "Save the mesh in the snapshot archive under this name")
	fs.StringVar(&o.logFile, "logfile", "", "Log file path (default: stderr only)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.configPath == "" {
		fs.Usage()
		return nil, fmt.Errorf("-config is required")
	}
	switch o.dump {
	case "", "text", "csv", "json":
	default:
		return nil, fmt.Errorf("-dump must be text, csv or json, got %q", o.dump)
	}
	return o, nil
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return 2
	}

	logger := log.New("meshmotion")
	log.ConfigureFromEnv(logger)
	if opts.logFile != "" {
		lf, err := log.TeeToFile(logger, log.RotationConfig{Filename: opts.logFile, MaxBackups: 5, Compress: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshmotion: %v\n", err)
			return 1
		}
		defer lf.Close()
	}
	log.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.WithError(err).Error("meshmotion failed")
		return 1
	}
	return 0
}

// app holds everything run wires together.
type app struct {
	opts    *options
	log     *log.Logger
	machine *config.Machine
	mesh    *mesh.Mesh
	storage *mesh.Storage
	metrics *metrics.PlannerMetrics
	queue   *planner.Queue
	engine  *segment.Engine
	archive *archive.Store
	safety  *safety.Manager
	sink    consumer.BlockSink
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

func run(ctx context.Context, opts *options, stdout io.Writer, logger *log.Logger) error {
	a, err := setup(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.load {
		if err := a.storage.Load(a.mesh, opts.slot); err != nil {
			return err
		}
		a.metrics.SetMeshDefined(a.mesh.DefinedCount())
	}

	var srvDone chan error
	if opts.serve {
		srv := a.monitor()
		srvDone = make(chan error, 1)
		go func() { srvDone <- srv.Serve(ctx) }()
	}

	if opts.demo {
		if err := a.runDemo(ctx); err != nil {
			return err
		}
	}

	if opts.archive != "" {
		if a.archive == nil {
			return config.NewConfigError("bed_mesh", "archive_path", "required by -archive")
		}
		snap, err := a.archive.Save(ctx, opts.archive, a.mesh)
		if err != nil {
			return err
		}
		logger.WithFields(log.Fields{"id": snap.ID, "name": snap.Name}).Info("mesh archived")
	}
	if opts.png != "" {
		if err := writePNG(opts.png, a.mesh); err != nil {
			return err
		}
	}
	if opts.dump != "" {
		if err := dump(stdout, a.mesh, opts.dump); err != nil {
			return err
		}
	}

	if srvDone != nil {
		logger.Info("serving monitor, press Ctrl+C to stop")
		return <-srvDone
	}
	return nil
}

func setup(ctx context.Context, opts *options, logger *log.Logger) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	machine, err := config.LoadMachine(cfg)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.GetUnusedSections() {
		logger.Warn("unused config section [%s]", name)
	}

	a := &app{opts: opts, log: logger, machine: machine, metrics: metrics.NewPlannerMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	ms := machine.Mesh
	if a.mesh, err = mesh.New(mesh.Grid{MinX: ms.MinX, MinY: ms.MinY, MaxX: ms.MaxX, MaxY: ms.MaxY, NX: ms.NX, NY: ms.NY}); err != nil {
		return nil, err
	}
	var region mesh.Region = mesh.NewMemRegion(ms.StorageSize)
	if ms.StoragePath != "" {
		fr, err := mesh.OpenFileRegion(ms.StoragePath, ms.StorageSize)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrMeshStorageUnavailable, "open mesh storage")
		}
		a.closers = append(a.closers, fr.Close)
		region = fr
	}
	a.storage = mesh.NewStorage(region, mesh.WithStorageLogger(logger.WithPrefix("storage")))

	if ms.ArchivePath != "" {
		if a.archive, err = archive.Open(ctx, ms.ArchivePath, archive.WithLogger(logger.WithPrefix("archive"))); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.archive.Close)
	}

	limits := planner.LimitsFromConfig(machine)
	if a.queue, err = planner.NewQueue(machine.Planner.BufferSize, limits,
		planner.WithLogger(logger.WithPrefix("planner")), planner.WithMetrics(a.metrics)); err != nil {
		return nil, err
	}

	a.safety = safety.New(safety.WithLogger(logger.WithPrefix("safety")))
	a.safety.Register(safety.StopperFunc(func(safety.Reason) error {
		logger.WithField("blocks", a.queue.Reset()).Warn("queue flushed")
		return nil
	}))

	kin := kinematics.NewCartesian(rails(machine), machine.Axes[config.AxisZ].MaxVelocity, machine.Axes[config.AxisZ].MaxAccel)
	kin.SetPosition([3]float64{}, "xyz")
	a.engine = segment.New(a.mesh, segment.NewFade(ms.FadeHeight), planner.NewProducer(a.queue, nil, planner.WithGate(a.safety.CheckOperational)),
		segment.WithLogger(logger.WithPrefix("segment")),
		segment.WithMetrics(a.metrics),
		segment.WithKinematics(kin))

	if a.sink, err = a.openSink(); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func rails(m *config.Machine) [3]kinematics.Rail {
	var r [3]kinematics.Rail
	for i := range r {
		ax := m.Axes[i]
		r[i] = kinematics.Rail{Name: ax.Name, StepsPerMM: ax.StepsPerMM, PositionMin: ax.PositionMin, PositionMax: ax.PositionMax}
	}
	return r
}

// openSink picks the serial port from the flag or [serial]; without one
// the blocks are only logged.
func (a *app) openSink() (consumer.BlockSink, error) {
	port, baud := a.opts.serial, 250000
	if a.machine.Serial != nil {
		if port == "" {
			port = a.machine.Serial.Port
		}
		baud = a.machine.Serial.Baud
	}
	if port == "" {
		blockLog := a.log.WithPrefix("block")
		return consumer.BlockSinkFunc(func(_ context.Context, b *planner.Block) error {
			if blockLog.Enabled(log.DEBUG) {
				blockLog.Debug("%s", consumer.FormatBlock(b))
			}
			return nil
		}), nil
	}
	s, err := consumer.OpenSerial(port, baud)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	a.log.WithFields(log.Fields{"port": port, "baud": baud}).Info("serial sink open")
	return s, nil
}

func (a *app) monitor() *monitor.Server {
	cfg := metrics.DefaultMetricsServerConfig()
	cfg.Address = "127.0.0.1:7125"
	if mon := a.machine.Monitor; mon != nil {
		cfg.Address = mon.Address
		cfg.Username = mon.Username
		cfg.Password = mon.Password
	}
	hs := metrics.NewMetricsServer(a.metrics, cfg)
	opts := []monitor.Option{monitor.WithLogger(a.log.WithPrefix("monitor")), monitor.WithSafety(a.safety)}
	if a.archive != nil {
		opts = append(opts, monitor.WithArchive(a.archive))
	}
	return monitor.New(hs, a.mesh, a.queue, opts...)
}

// syntheticBed is a gently warped plate, about 0.3mm peak to peak.
func syntheticBed(g mesh.Grid) mesh.ProberFunc {
	w, h := g.MaxX-g.MinX, g.MaxY-g.MinY
	return func(ctx context.Context, x, y float64) (float64, error) {
		u, v := (x-g.MinX)/w, (y-g.MinY)/h
		return 0.12*math.Sin(math.Pi*u)*math.Cos(math.Pi*v) + 0.05*(u-0.5) - 0.03*(v-0.5), nil
	}
}

// runDemo probes the synthetic bed into the mesh, stores it, and plans
// one serpentine layer over the whole footprint while draining the queue.
func (a *app) runDemo(ctx context.Context) error {
	g := a.mesh.Grid()
	a.mesh.InvalidateAll()
	cal := &mesh.Calibrator{
		Mesh:     a.mesh,
		Prober:   syntheticBed(g),
		Farthest: true,
		Log:      a.log.WithPrefix("probe"),
	}
	n, err := cal.Run(ctx, g.MinX, g.MinY)
	if err != nil {
		return err
	}
	a.metrics.SetMeshDefined(a.mesh.DefinedCount())
	if err := a.storage.Store(a.mesh, a.opts.slot); err != nil {
		// Memory-only machines may have no room; the demo still runs.
		a.log.WithError(err).Warn("mesh not stored")
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d := &consumer.Drainer{
		Queue:     a.queue,
		Sink:      a.sink,
		Log:       a.log.WithPrefix("consumer"),
		Heartbeat: a.safety.Heartbeat,
	}
	// A halt from any source ends the demo; the queue stopper has
	// already flushed what was planned.
	a.safety.Register(safety.StopperFunc(func(safety.Reason) error {
		cancel()
		return nil
	}))
	a.safety.StartWatchdog()
	defer a.safety.StopWatchdog()
	type drained struct {
		n   int
		err error
	}
	done := make(chan drained, 1)
	go func() {
		n, err := d.Run(dctx)
		if err != nil && !stderrors.Is(err, context.Canceled) {
			a.safety.TransportFailure(err)
		}
		done <- drained{n, err}
	}()

	start := time.Now()
	moves, perr := a.serpentine(dctx, g)
	for perr == nil && a.queue.MovesQueued() > 0 {
		select {
		case <-dctx.Done():
			perr = dctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	r := <-done
	if r.err != nil && !stderrors.Is(r.err, context.Canceled) {
		return r.err
	}
	if err := a.safety.CheckOperational(); err != nil {
		return err
	}
	if perr != nil {
		return perr
	}
	a.log.WithFields(log.Fields{
		"probed":  n,
		"moves":   moves,
		"blocks":  r.n,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("demo complete")
	return nil
}

func (a *app) serpentine(ctx context.Context, g mesh.Grid) (int, error) {
	const (
		layerZ = 0.2
		feed   = 60.0
		ePerMM = 0.033
	)
	pos := a.engine.Position()
	moves := 0
	moveTo := func(x, y, z float64, extrude bool) error {
		end := segment.Position{X: x, Y: y, Z: z, E: pos.E}
		if extrude {
			end.E += ePerMM * math.Hypot(x-pos.X, y-pos.Y)
		}
		if err := a.engine.MoveTo(ctx, end, feed, 0); err != nil {
			return err
		}
		pos = end
		moves++
		return nil
	}
	if err := moveTo(g.MinX, g.MinY, layerZ, false); err != nil {
		return moves, err
	}
	step := g.CellH() / 2
	for i, y := 0, g.MinY; y <= g.MaxY+1e-9; i, y = i+1, y+step {
		x := g.MaxX
		if i%2 == 1 {
			x = g.MinX
		}
		if i > 0 {
			if err := moveTo(pos.X, y, layerZ, true); err != nil {
				return moves, err
			}
		}
		if err := moveTo(x, y, layerZ, true); err != nil {
			return moves, err
		}
	}
	return moves, nil
}

func writePNG(path string, m *mesh.Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render.HeatmapPNG(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func dump(w io.Writer, m *mesh.Mesh, format string) error {
	switch format {
	case "csv":
		return m.WriteCSV(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	default:
		return m.WriteText(w)
	}
}
