package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flashbots/rollup-boost/common"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	eventsURL     string
	eventsStreams []string
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsURL, "url", common.GetEnv("EVENTS_URL", "http://localhost:8081"), "base URL of a rollup-boost instance with the admin API enabled")
	eventsCmd.Flags().StringSliceVar(&eventsStreams, "streams", []string{"payloads", "health"}, "event streams to subscribe to")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Log the delivered payload and builder health events of a running instance",
	Run: func(cmd *cobra.Command, args []string) {
		log := common.LogSetup(false, "info")
		url := strings.TrimSuffix(eventsURL, "/") + "/boost/v1/events"

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log.Infof("Using events endpoint: %s", url)
		for _, stream := range eventsStreams {
			go subscribeEvents(ctx, log.WithField("stream", stream), url, stream)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
	},
}

func subscribeEvents(ctx context.Context, log *logrus.Entry, url, stream string) {
	client := sse.NewClient(url)
	for ctx.Err() == nil {
		err := client.SubscribeWithContext(ctx, stream, func(msg *sse.Event) {
			log.WithFields(logrus.Fields{
				"event":     string(msg.Event),
				"timestamp": time.Now().UTC().UnixMilli(),
			}).Info(string(msg.Data))
		})
		if err != nil {
			log.WithError(err).Error("failed to subscribe to events")
			time.Sleep(1 * time.Second)
		}
		log.Warn("event subscription ended, reconnecting")
		time.Sleep(500 * time.Millisecond)
	}
}
