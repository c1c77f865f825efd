// Command frame_publisher stands in for the inference module during
// development. It binds a PUB socket and publishes synthetic JPEG test cards
// for each camera.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/imaging"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
)

func main() {
	bind := flag.String("bind", "tcp://*:5558", "PUB socket endpoint")
	cameras := flag.String("cameras", "cam1,cam2", "Camera ids to publish (comma-separated)")
	fps := flag.Int("fps", 10, "Frames per second per camera")
	width := flag.Int("width", 640, "Frame width")
	height := flag.Int("height", 480, "Frame height")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor := flag.Bool("log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	var ids []string
	for _, id := range strings.Split(*cameras, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		log.Fatal("no cameras given")
	}
	if *fps <= 0 {
		log.Fatalf("fps must be positive, got %d", *fps)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pub, err := upstream.NewPublisher(ctx, *bind)
	if err != nil {
		log.Fatalf("Failed to start publisher: %v", err)
	}
	defer pub.Close()

	logger.Info("Publisher", "Publishing %v at %d fps on %s", ids, *fps, pub.Addr())

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Publisher", "Stopped after %d frames", frame)
			return
		case <-ticker.C:
		}

		frame++
		for _, id := range ids {
			data, err := imaging.TestCard(*width, *height, id, frame)
			if err != nil {
				log.Fatalf("Failed to render frame: %v", err)
			}
			if err := pub.Publish(id, data); err != nil {
				logger.Warn("Publisher", "Publish %s failed: %v", id, err)
				continue
			}
			logger.Debug("Publisher", "%s #%d (%d bytes)", id, frame, len(data))
		}
	}
}
