package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ppgtriage/models"
	"ppgtriage/synth"

	"go.uber.org/zap"
)

var (
	listenAddr   = flag.String("listen", "localhost:7070", "TCP address to serve frames on (use SERIAL_ENDPOINT=tcp://<addr>)")
	sampleRate   = flag.Float64("fs", 100, "Samples per second")
	heartRate    = flag.Float64("hr", 75, "Starting heart rate (bpm)")
	rampTo       = flag.Float64("ramp-to", 0, "Heart rate to ramp to (0 disables the ramp)")
	rampStart    = flag.Float64("ramp-start", 60, "Ramp start (seconds after connect)")
	rampEnd      = flag.Float64("ramp-end", 120, "Ramp end (seconds after connect)")
	temperature  = flag.Float64("temp", 36.8, "Body temperature (°C)")
	noise        = flag.Float64("noise", 1, "Uniform noise half-range (ADC units)")
	artifactProb = flag.Float64("artifact", 0, "Probability per second of starting a 3 s motion artifact")
	ppgOnly      = flag.Bool("ppg-only", false, "Send PPG-only frames")
	garbage      = flag.Float64("garbage", 0, "Probability per frame of sending a malformed line")
	dropAfter    = flag.Duration("drop-after", 0, "Close each connection after this long (0 keeps it open)")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
)

// stats are shared across connections for the periodic log line.
type stats struct {
	mu        sync.Mutex
	frames    int
	malformed int
	clients   int
}

func (s *stats) add(frames, malformed int) {
	s.mu.Lock()
	s.frames += frames
	s.malformed += malformed
	s.mu.Unlock()
}

func newSim(connSeed int64) *synth.PPGSim {
	hr := synth.ConstantRate(*heartRate)
	if *rampTo > 0 {
		hr = synth.Ramp(*heartRate, *rampTo, *rampStart, *rampEnd)
	}

	sim := synth.NewPPGSim(*sampleRate, hr, connSeed).WithNoise(*noise)
	temp := *temperature
	sim.WithTemperature(func(float64) float64 { return temp })
	if *ppgOnly {
		sim.PPGOnly()
	}

	if *artifactProb > 0 {
		// pre-plan artifacts for the first hour
		rng := rand.New(rand.NewSource(connSeed + 1))
		for t := 5.0; t < 3600; t++ {
			if rng.Float64() < *artifactProb {
				sim.WithArtifact(models.Segment{Start: t, End: t + 3})
				t += 3
			}
		}
	}
	return sim
}

// formatFrame renders a sample the way the device firmware does.
func formatFrame(s models.Sample) string {
	ppg := strconv.FormatFloat(s.PPG, 'f', 0, 64)
	if !s.HasTemperature() {
		return ppg + "\n"
	}
	return ppg + "," + strconv.FormatFloat(s.Temperature, 'f', 2, 64) + "\n"
}

func serve(ctx context.Context, conn net.Conn, connSeed int64, st *stats, logger *zap.Logger) {
	defer conn.Close()

	logger = logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("Client connected")

	sim := newSim(connSeed)
	rng := rand.New(rand.NewSource(connSeed + 2))
	w := bufio.NewWriter(conn)

	interval := time.Duration(float64(time.Second) / *sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if *dropAfter > 0 {
		timer := time.NewTimer(*dropAfter)
		defer timer.Stop()
		deadline = timer.C
	}

	frames, malformed := 0, 0
	defer func() { st.add(frames, malformed) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logger.Info("Dropping connection", zap.Duration("after", *dropAfter))
			return
		case <-ticker.C:
			line := formatFrame(sim.Next())
			if *garbage > 0 && rng.Float64() < *garbage {
				line = "ERR,sensor\n"
				malformed++
			}
			if _, err := w.WriteString(line); err != nil {
				logger.Info("Client disconnected", zap.Error(err))
				return
			}
			if err := w.Flush(); err != nil {
				logger.Info("Client disconnected", zap.Error(err))
				return
			}
			frames++
		}
	}
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *sampleRate <= 0 {
		logger.Fatal("Sample rate must be positive", zap.Float64("fs", *sampleRate))
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("addr", *listenAddr), zap.Error(err))
	}

	logger.Info("PPG device simulator started",
		zap.String("listen", listener.Addr().String()),
		zap.Float64("fs", *sampleRate),
		zap.Float64("hr", *heartRate),
		zap.Float64("ramp_to", *rampTo),
		zap.Float64("temperature", *temperature),
		zap.Float64("artifact_probability", *artifactProb),
		zap.Int64("seed", *seed),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
		listener.Close()
	}()

	st := &stats{}
	startTime := time.Now()

	// Print stats every 60 seconds
	go func() {
		statsTicker := time.NewTicker(60 * time.Second)
		defer statsTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				st.mu.Lock()
				logger.Info("Statistics",
					zap.Int("clients", st.clients),
					zap.Int("frames", st.frames),
					zap.Int("malformed", st.malformed),
					zap.Duration("uptime", time.Since(startTime)))
				st.mu.Unlock()
			}
		}
	}()

	var wg sync.WaitGroup
	for n := int64(0); ; n++ {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			logger.Error("Accept failed", zap.Error(err))
			continue
		}

		st.mu.Lock()
		st.clients++
		st.mu.Unlock()

		wg.Add(1)
		go func(connSeed int64) {
			defer wg.Done()
			serve(ctx, conn, connSeed, st, logger)
		}(*seed + n*1000)
	}

	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	logger.Info(fmt.Sprintf("Shutdown complete after %s", time.Since(startTime).Round(time.Second)),
		zap.Int("clients", st.clients),
		zap.Int("frames", st.frames),
		zap.Int("malformed", st.malformed))
}
