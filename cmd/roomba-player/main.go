// Command roomba-player bridges a serial-attached cleaning robot, a camera
// bytestream with embedded fiducial markers, and networked clients issuing
// drive commands and consuming pose and telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jvexiau/roomba-player/internal/config"
	"github.com/jvexiau/roomba-player/internal/control"
	"github.com/jvexiau/roomba-player/internal/geom"
	"github.com/jvexiau/roomba-player/internal/history"
	"github.com/jvexiau/roomba-player/internal/monitoring"
	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/oi"
	"github.com/jvexiau/roomba-player/internal/plan"
	"github.com/jvexiau/roomba-player/internal/posesnap"
	"github.com/jvexiau/roomba-player/internal/recorder"
	"github.com/jvexiau/roomba-player/internal/serialport"
	"github.com/jvexiau/roomba-player/internal/server"
	"github.com/jvexiau/roomba-player/internal/version"
	"github.com/jvexiau/roomba-player/internal/vision"
)

var (
	configPath = flag.String("config", "", "Path to a JSON or YAML config file")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	planPath   = flag.String("plan", "", "Plan file to load at startup (overrides config)")
	debug      = flag.Bool("debug", false, "Enable high-volume diagnostics")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *planPath != "" {
		cfg.PlanDefaultPath = *planPath
	}

	monitoring.SetDebug(*debug)
	monitoring.Logf("roomba-player %s starting", version.String())

	// History journal. Journal faults never impede live control, so a
	// failed open only logs.
	var journal *history.Journal
	if cfg.OdometryHistoryPath != "" {
		j, err := history.NewJournal(cfg.OdometryHistoryPath)
		if err != nil {
			monitoring.Logf("history journal unavailable: %v", err)
		} else {
			journal = j
		}
	}
	var sink odometry.Sink
	if journal != nil {
		sink = journal.Append
	}

	estimator := odometry.New(sink, odometry.Params{
		Source:       odometry.ParseSource(cfg.OdometrySource),
		MMPerTick:    cfg.OdometryMMPerTick,
		LinearScale:  cfg.OdometryLinearScale,
		AngularScale: cfg.OdometryAngularScale,
	})

	// Floor plan and collision geometry.
	plans := plan.NewStore()
	if cfg.PlanDefaultPath != "" {
		p, err := plans.LoadFile(cfg.PlanDefaultPath)
		if err != nil {
			monitoring.Logf("failed to load plan %s: %v", cfg.PlanDefaultPath, err)
		} else {
			room, obstacles := p.Polygons()
			estimator.SetGeometry(geom.New(room, obstacles, cfg.OdometryRobotRadiusMM, cfg.OdometryCollisionMarginScale))
		}
	}

	restorePose(estimator, journal, plans.Current())

	// Robot driver over the serial link.
	driver := oi.NewDriver(func() (*serialport.Link, error) {
		return serialport.Open(serialport.Options{
			Device:      cfg.RoombaSerialPort,
			BaudRate:    cfg.RoombaBaudrate,
			ReadTimeout: time.Duration(cfg.RoombaTimeoutSec * float64(time.Second)),
		})
	})
	driver.SetFrameCallback(func(t oi.Telemetry) {
		estimator.UpdateFromTelemetry(t)
	})

	dispatcher := control.NewDispatcher(driver)

	// Marker detection and pose snapping.
	var visionSvc *vision.Service
	if cfg.ArucoEnabled {
		var detector vision.Detector
		arucoDet, err := vision.NewArucoDetector(cfg.ArucoDictionary)
		if err != nil {
			monitoring.Logf("aruco detector unavailable: %v", err)
		} else {
			detector = arucoDet
			defer arucoDet.Close()
		}
		visionSvc = vision.NewService(detector, true,
			time.Duration(cfg.ArucoIntervalSec*float64(time.Second)), cfg.ArucoDictionary)

		if cfg.ArucoSnapEnabled {
			snapper := posesnap.New(estimator, posesnap.Params{
				Enabled:             true,
				FocalPx:             cfg.ArucoFocalPx,
				DefaultMarkerSizeMM: cfg.ArucoMarkerSizeCM * 10,
				HeadingGainDeg:      cfg.ArucoHeadingGainDeg,
				PoseBlendFloor:      cfg.ArucoPoseBlend,
				ThetaBlendFloor:     cfg.ArucoThetaBlend,
			})
			visionSvc.SetResultCallback(func(res vision.Result) {
				snapper.HandleResult(res, plans.Current())
			})
		}
		visionSvc.Start()
		defer visionSvc.Stop()
	}

	// Optional sqlite telemetry archive.
	var rec *recorder.Recorder
	if cfg.RecorderDBPath != "" {
		r, err := recorder.Open(cfg.RecorderDBPath)
		if err != nil {
			monitoring.Logf("telemetry recorder unavailable: %v", err)
		} else {
			rec = r
			defer rec.Close()
		}
	}

	var recSink server.Recorder
	if rec != nil {
		recSink = rec
	}
	broadcaster := server.NewBroadcaster(driver, estimator, recSink,
		time.Duration(cfg.TelemetryIntervalSec*float64(time.Second)))

	srv := server.New(driver, estimator, dispatcher, plans, visionSvc, journal, broadcaster)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		broadcaster.Run(ctx)
	}()

	if cfg.ArucoEnabled && cfg.CameraStreamURL != "" && visionSvc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vision.StreamFrames(ctx, cfg.CameraStreamURL, visionSvc)
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.ServeMux(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Logf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("http server: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("http shutdown: %v", err)
	}
	if err := driver.Close(); err != nil {
		monitoring.Logf("driver close: %v", err)
	}
	wg.Wait()
}

// restorePose re-installs the last journaled pose, falling back to the
// plan's start pose, else the origin.
func restorePose(estimator *odometry.Estimator, journal *history.Journal, p *plan.Plan) {
	if journal != nil {
		if pose, ok := journal.LastPose(); ok {
			estimator.Reset(pose.XMM, pose.YMM, pose.ThetaDeg, odometry.ResetOptions{})
			return
		}
	}
	if p != nil && p.StartPose != nil {
		estimator.Reset(p.StartPose.XMM, p.StartPose.YMM, p.StartPose.ThetaDeg, odometry.ResetOptions{})
	}
}
