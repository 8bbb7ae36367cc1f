package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/capture"
	"github.com/seva-arogya/livescribe/internal/logger"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/realtime"
)

var (
	serverURL   string
	token       string
	quality     string
	language    string
	chunk       time.Duration
	queueSize   int
	autoStart   bool
	deviceID    string
	wavPath     string
	realtimeWAV bool
	listDevices bool
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "scribe-capture",
	Short: "Stream microphone or WAV audio to a scribe server",
	Long: `scribe-capture records 16-bit mono PCM from the default microphone
(or a WAV file) and streams it to a scribe server over a websocket.
Audio captured while the connection is down is buffered and replayed
into a new session once the client reconnects.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runCapture,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serverURL, "url", envOr("SCRIBE_URL", "ws://localhost:8080/ws/stream"), "websocket endpoint")
	f.StringVar(&token, "token", os.Getenv("SCRIBE_TOKEN"), "bearer token")
	f.StringVar(&quality, "quality", "medium", "low (8kHz), medium (16kHz) or high (48kHz)")
	f.StringVar(&language, "language", "", "recognition language, server default when empty")
	f.DurationVar(&chunk, "chunk", 250*time.Millisecond, "audio per chunk")
	f.IntVar(&queueSize, "queue", 1200, "frames buffered while disconnected")
	f.BoolVar(&autoStart, "auto-start", true, "start recording immediately instead of waiting for Enter")
	f.StringVar(&deviceID, "device", "", "capture device id (see --list-devices)")
	f.StringVar(&wavPath, "wav", "", "stream a WAV file instead of a device")
	f.BoolVar(&realtimeWAV, "realtime", true, "pace WAV playback at its sample rate")
	f.BoolVar(&listDevices, "list-devices", false, "print capture devices and exit")
	f.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runCapture(cmd *cobra.Command, _ []string) error {
	if listDevices {
		devs, err := capture.ListDevices()
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		for _, d := range devs {
			fmt.Printf("%s\t%s\n", d.ID, d.Name)
		}
		return nil
	}

	q, err := audio.ParseQuality(quality)
	if err != nil {
		return fmt.Errorf("--quality %q: %w", quality, err)
	}
	log := logger.NewWith(logLevel, "text")

	client, err := capture.NewClient(capture.ClientConfig{
		URL:           serverURL,
		Token:         token,
		Quality:       q,
		Language:      language,
		ChunkDuration: chunk,
		QueueSize:     queueSize,
		OnMessage:     printMessage(log),
		Logger:        log,
		Metrics:       metrics.NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		return err
	}

	var src capture.Source
	if wavPath != "" {
		src = &capture.WAVSource{Path: wavPath, SampleRate: q.SampleRate(), Realtime: realtimeWAV}
	} else {
		src = &capture.DeviceSource{SampleRate: q.SampleRate(), DeviceID: deviceID}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !autoStart {
		fmt.Fprintln(os.Stderr, "press Enter to start recording")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return fmt.Errorf("waiting for start: %w", err)
		}
	}

	clientCtx, endSession := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(clientCtx) }()

	log.WithFields(logrus.Fields{"url": serverURL, "quality": q, "sample_rate": q.SampleRate()}).Info("recording")
	srcErr := src.Run(ctx, client.Write)
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		log.WithError(srcErr).Error("capture source stopped")
	}

	// ending the client flushes the tail frame and waits for session_complete
	endSession()
	runErr := <-done

	t := client.Transport()
	log.WithFields(logrus.Fields{
		"last_seq": t.LastSeq(),
		"pending":  t.Pending(),
		"dropped":  t.Dropped(),
	}).Info("capture stopped")

	for _, c := range client.Completions() {
		if c.CompletePayload == nil {
			continue
		}
		fmt.Printf("session %s: %.3fs recorded, %s\n", c.SessionID, c.DurationSeconds, c.ArtifactRef)
		if c.Transcript != "" {
			fmt.Println(c.Transcript)
		}
	}

	if runErr != nil {
		return runErr
	}
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return srcErr
	}
	return nil
}

func printMessage(log *logrus.Logger) func(realtime.ServerMessage) {
	return func(msg realtime.ServerMessage) {
		switch msg.Type {
		case realtime.TypeTranscriptFinal:
			if msg.TranscriptPayload != nil {
				fmt.Printf("> %s\n", msg.Text)
			}
		case realtime.TypeTranscriptPartial:
			if msg.TranscriptPayload != nil {
				log.WithField("segment", msg.SegmentID).Debug(msg.Text)
			}
		case realtime.TypeError:
			if msg.ErrorPayload != nil {
				log.WithFields(logrus.Fields{
					"code":        msg.Code,
					"recoverable": msg.Recoverable,
				}).Warn(msg.Message)
			}
		case realtime.TypeServerShutdown:
			log.Warn("server is shutting down")
		}
	}
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
