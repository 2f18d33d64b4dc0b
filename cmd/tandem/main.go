// Command tandem runs several members on one topic inside a single process and
// shows which of them handles each message as leadership moves around.
//
//	tandem --members 3 --topic room/42 --count 10 --kill-leader-at 5
//	tandem --transport nats --medium nats --url nats://localhost:4222
//	tandem --transport mqtt --url tcp://localhost:1883
//
// Running the same command in a second terminal with --transport nats and
// --medium nats makes both processes take part in the same election.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/tandem"
	"github.com/casualjim/tandem/broadcast"
	"github.com/casualjim/tandem/pkg/natsx"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/transport"
	"github.com/fogfish/opts"
	_ "github.com/joho/godotenv/autoload"
	"github.com/nats-io/nats.go"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tidwall/sjson"
)

type flags struct {
	transport    string
	medium       string
	url          string
	topic        string
	members      int
	count        int
	interval     time.Duration
	idempotent   bool
	killLeaderAt int
	maxAttempts  int
	verbose      bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("tandem", pflag.ContinueOnError)
	fs.StringVarP(&f.transport, "transport", "t", "memory", "broker transport: memory, nats or mqtt")
	fs.StringVarP(&f.medium, "medium", "m", "local", "election medium: local or nats")
	fs.StringVarP(&f.url, "url", "u", "", "broker url (defaults to "+tandem.EnvURL+" or "+natsx.EnvURL+")")
	fs.StringVar(&f.topic, "topic", "room/42", "topic the members share")
	fs.IntVarP(&f.members, "members", "n", 3, "number of members to run")
	fs.IntVarP(&f.count, "count", "c", 10, "messages to publish, 0 publishes until interrupted")
	fs.DurationVarP(&f.interval, "interval", "i", time.Second, "delay between messages")
	fs.BoolVar(&f.idempotent, "idempotent", false, "register idempotent callbacks")
	fs.IntVar(&f.killLeaderAt, "kill-leader-at", 0, "close the leader after this many messages")
	fs.IntVar(&f.maxAttempts, "max-reconnect-attempts", 0, "give up after this many failed reconnects")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.members < 1 {
		return f, errors.New("--members must be at least 1")
	}
	return f, nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(f.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, newConsole(os.Stdout)); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tandem failed", slogx.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, out *console) error {
	dialer, url, err := selectTransport(f)
	if err != nil {
		return err
	}
	medium, closeMedium, err := selectMedium(f)
	if err != nil {
		return err
	}
	defer closeMedium()

	client := tandem.New(dialer)
	defer client.Dispose()
	client.OnStatusChange(out.status)
	client.OnError(out.failure)

	options := []opts.Option[tandem.Config]{tandem.ConfigFromEnv()}
	if url != "" {
		options = append(options, tandem.WithURL(url))
	}
	if f.maxAttempts > 0 {
		options = append(options, tandem.WithMaxReconnectAttempts(f.maxAttempts))
	}
	if err := client.Init(options...); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForStatus(waitCtx, tandem.Connected); err != nil {
		return fmt.Errorf("waiting for connection: %w", err)
	}

	group, err := tandem.NewGroup(client, medium, tandem.OnLeadershipChange(out.leadership))
	if err != nil {
		return err
	}
	defer func() {
		if err := group.Close(context.Background()); err != nil {
			slog.Warn("closing members", slogx.Error(err))
		}
	}()

	members := make([]*tandem.Member, 0, f.members)
	for range f.members {
		m, err := group.Join(ctx, f.topic)
		if err != nil {
			return err
		}
		if err := m.OnMessage(ctx, func(msg tandem.Message) {
			out.delivered(m.ID(), m.IsLeader(), msg)
		}, f.idempotent); err != nil {
			return err
		}
		members = append(members, m)
	}

	return publish(ctx, f, members)
}

func publish(ctx context.Context, f flags, members []*tandem.Member) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for seq := 1; f.count == 0 || seq <= f.count; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		live := liveMembers(members)
		if len(live) == 0 {
			return nil
		}
		payload, err := buildPayload(seq, live[0].ID(), time.Now())
		if err != nil {
			return err
		}
		if err := live[0].Publish(ctx, payload); err != nil {
			slog.Warn("publish failed", slogx.Error(err))
		}

		if f.killLeaderAt > 0 && seq == f.killLeaderAt {
			for _, m := range live {
				if m.IsLeader() {
					slog.Info("closing leader", slogx.ContextID(m.ID()))
					if err := m.Close(ctx); err != nil {
						return err
					}
					break
				}
			}
		}
	}
	// let the last message reach the members
	select {
	case <-ctx.Done():
	case <-time.After(f.interval):
	}
	return nil
}

func liveMembers(members []*tandem.Member) []*tandem.Member {
	var live []*tandem.Member
	for _, m := range members {
		if !m.Closed() {
			live = append(live, m)
		}
	}
	return live
}

func buildPayload(seq int, from string, at time.Time) ([]byte, error) {
	payload, err := sjson.SetBytes(nil, "seq", seq)
	if err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "from", from); err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "sent_at", at.UTC().Format(time.RFC3339Nano))
}

func selectTransport(f flags) (transport.Dialer, string, error) {
	switch f.transport {
	case "memory":
		return transport.Memory(), "memory://local", nil
	case "nats":
		url := f.url
		if url == "" && os.Getenv(tandem.EnvURL) == "" {
			url = natsx.URL()
		}
		return transport.NATS(nats.Name("tandem-" + f.topic)), url, nil
	case "mqtt":
		return transport.MQTT(), f.url, nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q", f.transport)
	}
}

func selectMedium(f flags) (broadcast.Medium, func(), error) {
	switch f.medium {
	case "local":
		return broadcast.Local(), func() {}, nil
	case "nats":
		nc, err := natsx.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("connecting election medium: %w", err)
		}
		return broadcast.NATS(nc, ""), func() { _ = nc.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown medium %q", f.medium)
	}
}
