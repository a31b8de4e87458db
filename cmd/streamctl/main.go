// Command streamctl operates on live streaming state in Redis: it requests
// stops, inspects stream metadata, purges event logs, and tails events for a
// conversation. It talks to the same keys the service uses, so it works
// against any node's shared store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/circuitbreaker"
	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/events"
	"github.com/strandlabs/chatstream/internal/stop"
)

const opTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "stop":
		err = runStop(os.Args[2:])
	case "meta":
		err = runMeta(os.Args[2:])
	case "purge":
		err = runPurge(os.Args[2:])
	case "tail":
		err = runTail(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "streamctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: streamctl <command> [flags] <conv-id>

commands:
  stop    request a stop for the conversation's running stream
  meta    print the conversation's stream metadata
  purge   delete the conversation's event log and metadata
  tail    print events from a cursor, then follow the live stream

flags (every command):
  -redis addr    redis address (default REDIS_ADDR or localhost:6379)

tail flags:
  -from cursor   start after this cursor; empty starts at the beginning`)
}

func redisFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("REDIS_ADDR")
	if def == "" {
		def = "localhost:6379"
	}
	return fs.String("redis", def, "redis address")
}

func convArg(fs *flag.FlagSet, name string) (string, error) {
	convID := fs.Arg(0)
	if convID == "" {
		return "", fmt.Errorf("usage: streamctl %s [flags] <conv-id>", name)
	}
	return convID, nil
}

func dial(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addr := redisFlag(fs)
	fs.Parse(args)
	convID, err := convArg(fs, "stop")
	if err != nil {
		return err
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	stops := stop.NewRegistry(circuitbreaker.NewRedisWrapper(client, zap.NewNop()), 0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := stops.RequestStop(ctx, convID); err != nil {
		return err
	}
	fmt.Printf("stop requested for %s\n", convID)
	return nil
}

func runMeta(args []string) error {
	fs := flag.NewFlagSet("meta", flag.ExitOnError)
	addr := redisFlag(fs)
	fs.Parse(args)
	convID, err := convArg(fs, "meta")
	if err != nil {
		return err
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	elog := eventlog.New(client, client, 0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	meta, err := elog.GetMeta(ctx, convID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("no stream metadata for %s (never streamed, or expired)", convID)
	}

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	last, err := elog.LastID(ctx, convID)
	if err == nil && last != "" {
		fmt.Printf("last cursor: %s\n", last)
	}
	return nil
}

func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	addr := redisFlag(fs)
	fs.Parse(args)
	convID, err := convArg(fs, "purge")
	if err != nil {
		return err
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	elog := eventlog.New(client, client, 0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := elog.Purge(ctx, convID); err != nil {
		return err
	}
	fmt.Printf("purged event log for %s\n", convID)
	return nil
}

// runTail replays from the cursor and then follows the live stream until
// interrupted. Each line is "<cursor> <type> <payload>" so a cursor can be
// fed back via -from.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	addr := redisFlag(fs)
	from := fs.String("from", "", "start after this cursor")
	fs.Parse(args)
	convID, err := convArg(fs, "tail")
	if err != nil {
		return err
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	elog := eventlog.New(client, client, 0, zap.NewNop())
	ctx, cancelSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelSignals()

	cursor := *from
	for {
		evs, err := elog.RangeFrom(ctx, convID, cursor, 0, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, ev := range evs {
			printEvent(ev)
			cursor = ev.ID
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printEvent(ev events.StreamEvent) {
	fmt.Printf("%s %s %s\n", ev.ID, ev.Type, ev.Marshal())
}
