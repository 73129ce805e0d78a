package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejoacosta74/botstream/internal/circuitbreaker"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/kafka"
	"github.com/alejoacosta74/botstream/internal/metrics"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/session"
	"github.com/alejoacosta74/botstream/internal/stats"
	"github.com/alejoacosta74/botstream/internal/stream"
	"github.com/alejoacosta74/botstream/internal/system"
	"github.com/alejoacosta74/botstream/internal/ui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const keyWatchBots = "watch.bots"

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream real-time updates of one or more bots",
	Long: `Open a channel for every --bot and print the pushed updates until
interrupted. Connection status is exposed on the metrics endpoint and,
when brokers are configured, exported to Kafka.`,
	Example: "  botstream watch --bot 7 --bot 9 --metrics-addr :9090",
	Args:    cobra.NoArgs,
	RunE:    runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntSlice("bot", nil, "Bot id to watch (repeatable)")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	watchCmd.Flags().StringSlice("kafka-brokers", nil, "Export connection status to these Kafka brokers")
	watchCmd.Flags().String("kafka-topic", kafka.DefaultTopic, "Kafka topic for status export")
	watchCmd.Flags().Duration("stats-interval", stats.DefaultInterval, "Period of the runtime stats log line")
	watchCmd.Flags().Bool("no-ui", false, "Do not print events on stdout")
	watchCmd.Flags().Bool("color", true, "Paint status lines")
	watchCmd.Flags().String("cpuprofile", "", "Write a CPU profile to this file")
	watchCmd.Flags().String("memprofile", "", "Write a heap profile to this file on exit")

	viper.BindPFlag(keyWatchBots, watchCmd.Flags().Lookup("bot"))
	viper.BindPFlag(keyMetricsAddr, watchCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag(keyKafkaBrokers, watchCmd.Flags().Lookup("kafka-brokers"))
	viper.BindPFlag(keyKafkaTopic, watchCmd.Flags().Lookup("kafka-topic"))
	viper.BindPFlag(keyStatsInterval, watchCmd.Flags().Lookup("stats-interval"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	botIDs := v.GetIntSlice(keyWatchBots)
	if len(botIDs) == 0 {
		return fmt.Errorf("at least one --bot is required")
	}
	log := logrus.WithField("component", "watch")

	system.LoadFromViper(v).Apply()

	cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
	memprofile, _ := cmd.Flags().GetString("memprofile")
	stopProfiling, err := system.StartProfiling(cpuprofile, memprofile)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopProfiling(); err != nil {
			log.WithError(err).Warn("Failed to write profile")
		}
	}()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	eventBus := events.NewEventBus[stream.Event]()
	statusBus := events.NewEventBus[registry.Record]()
	defer eventBus.Shutdown()
	defer statusBus.Shutdown()

	cfg := streamConfig(v)
	reg := registry.New(
		registry.WithNotifier(statusBus),
		registry.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewMetricsRecorder(promReg,
		metrics.WithEventBus(eventBus),
		metrics.WithStatusBus(statusBus),
	)
	if err := recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics recorder: %w", err)
	}

	wg := &sync.WaitGroup{}
	if addr := v.GetString(keyMetricsAddr); addr != "" {
		server := metrics.NewMetricsServer(addr, promReg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	if brokers := v.GetStringSlice(keyKafkaBrokers); len(brokers) > 0 {
		exporter, err := newStatusExporter(brokers, v.GetString(keyKafkaTopic), statusBus, recorder)
		if err != nil {
			log.WithError(err).Warn("Kafka status export disabled")
		} else if err := exporter.Start(ctx); err == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-exporter.Done()
			}()
		}
	}

	if noUI, _ := cmd.Flags().GetBool("no-ui"); !noUI {
		color, _ := cmd.Flags().GetBool("color")
		updater := ui.NewUIUpdater(eventBus, statusBus, ui.WithOutput(cmd.OutOrStdout()), ui.WithColor(color))
		updater.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-updater.Done()
		}()
	}

	reporter := stats.NewSystemStats(reg, stats.WithInterval(v.GetDuration(keyStatsInterval)))
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Start(ctx)
	}()

	manager := stream.NewManager(cfg, session.NewViperProvider(v, keyToken), reg,
		stream.WithEventBus(eventBus),
		stream.WithMetrics(recorder),
	)
	removeHook := onConfigReload(func(reloaded *viper.Viper) {
		manager.SetMaxReconnectAttempts(reloaded.GetInt(keyMaxReconnectAttempts))
	})
	defer removeHook()

	for _, id := range botIDs {
		botLog := log.WithField("bot_id", id)
		_, err := manager.Connect(id, stream.Handlers{
			OnError: func(err error) {
				botLog.WithError(err).Warn("Channel error")
			},
			OnClose: func(ev stream.CloseEvent) {
				botLog.WithFields(logrus.Fields{"code": ev.Code, "reason": ev.Reason}).Info("Channel closed")
			},
		})
		if err != nil {
			botLog.WithError(err).Error("Failed to connect")
		}
	}

	<-ctx.Done()
	manager.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		<-recorder.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for components to stop")
	}

	log.Info("Client shutdown")
	return nil
}

// newStatusExporter checks the cluster and builds a breaker-guarded exporter
func newStatusExporter(brokers []string, topic string, bus events.Bus[registry.Record], recorder kafka.Recorder) (*kafka.StatusExporter, error) {
	if err := kafka.CheckClusterAvailability(brokers, 3*time.Second); err != nil {
		return nil, err
	}
	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}
	return kafka.NewStatusExporter(kafka.ExporterConfig{
		Topic:     topic,
		Producer:  producer,
		StatusBus: bus,
		Recorder:  recorder,
		Breaker:   circuitbreaker.NewCircuitBreaker(3, 30*time.Second, circuitbreaker.WithName("kafka")),
	})
}
