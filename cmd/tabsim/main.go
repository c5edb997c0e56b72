package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"camsync/config"
	"camsync/models"
	"camsync/services"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

var (
	tabCount    = flag.Int("tabs", 3, "Number of simulated dashboard tabs")
	pollEvery   = flag.Duration("poll", time.Second, "Status poll interval")
	flipEvery   = flag.Duration("flip", 5*time.Second, "How often a random tab changes visibility")
	useRabbitMQ = flag.Bool("rabbitmq", false, "Use the RabbitMQ broadcaster from config instead of the in-process hub")
)

// simulatedDevice stands in for the camera. It counts fetches so the output
// shows how many tabs are polling at once.
type simulatedDevice struct {
	fetches atomic.Int64
	battery atomic.Int64
}

func (d *simulatedDevice) FetchStatus(_ context.Context) (*models.StatusSnapshot, error) {
	d.fetches.Add(1)
	now := time.Now()
	level := 100 - d.battery.Add(1)%100
	return &models.StatusSnapshot{
		State:       "streaming",
		Streaming:   true,
		Battery:     models.Battery{Percent: int(level), Status: "discharging"},
		GeneratedAt: now,
		ReceivedAt:  now,
	}, nil
}

var palette = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
}

type simTab struct {
	name    string
	paint   *color.Color
	coord   *services.TabCoordinator
	visible bool
}

func checkTabCount(n int) error {
	if n < 1 {
		return fmt.Errorf("-tabs must be at least 1, got %d", n)
	}
	return nil
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := checkTabCount(*tabCount); err != nil {
		logger.Fatal("Invalid flags", zap.Error(err))
	}

	var broadcaster services.Broadcaster = services.NewMemoryBroadcastHub(logger)
	if *useRabbitMQ {
		cfg, err := config.LoadConfig()
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
		rabbit, err := services.NewRabbitMQBroadcaster(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbit.Close()
		broadcaster = rabbit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := &simulatedDevice{}
	tabs := make([]*simTab, 0, *tabCount)

	for i := 0; i < *tabCount; i++ {
		tab := &simTab{
			name:    fmt.Sprintf("tab-%d", i+1),
			paint:   palette[i%len(palette)],
			visible: i == 0,
		}

		bus := services.NewEventBus(logger)
		services.On(bus, func(e models.LeadershipChanged) {
			if e.Leader {
				tab.paint.Printf("%s  %s is now polling\n", time.Now().Format("15:04:05"), tab.name)
			} else {
				tab.paint.Printf("%s  %s stepped down\n", time.Now().Format("15:04:05"), tab.name)
			}
		})
		services.On(bus, func(e models.StatusUpdated) {
			if e.FromTab == "" {
				return
			}
			tab.paint.Printf("%s  %s received battery %d%% from another tab\n",
				time.Now().Format("15:04:05"), tab.name, e.Snapshot.Battery.Percent)
		})

		poller := services.NewStatusSynchronizer(device, *pollEvery, false, logger.Named(tab.name))
		tab.coord = services.NewTabCoordinator(broadcaster, poller, bus, services.TabOptions{
			Visible:        tab.visible,
			ActivityWindow: 3 * *pollEvery,
		}, logger.Named(tab.name))
		tab.coord.Start(ctx)
		tabs = append(tabs, tab)
	}

	color.New(color.Bold).Printf("Simulating %d tabs, Ctrl+C to stop\n", len(tabs))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	flip := time.NewTicker(*flipEvery)
	defer flip.Stop()
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	lastFetches := int64(0)
	lastReport := time.Now()

	for {
		select {
		case <-sigChan:
			for _, tab := range tabs {
				tab.coord.Close()
			}
			color.New(color.Bold).Printf("Stopped after %d device fetches\n", device.fetches.Load())
			return

		case <-flip.C:
			tab := tabs[rand.Intn(len(tabs))]
			tab.visible = !tab.visible
			state := "hidden"
			if tab.visible {
				state = "visible"
			}
			tab.paint.Printf("%s  %s is now %s\n", time.Now().Format("15:04:05"), tab.name, state)
			tab.coord.SetVisible(tab.visible)

		case <-report.C:
			fetches := device.fetches.Load()
			rate := float64(fetches-lastFetches) / time.Since(lastReport).Seconds()
			lastFetches, lastReport = fetches, time.Now()

			leaders := 0
			for _, tab := range tabs {
				if tab.coord.IsLeader() {
					leaders++
				}
			}
			line := color.New(color.FgGreen)
			if leaders != 1 {
				line = color.New(color.FgRed)
			}
			line.Printf("%s  leaders=%d fetches/s=%.2f (expected %.2f)\n",
				time.Now().Format("15:04:05"), leaders, rate, 1/pollEvery.Seconds())
		}
	}
}
