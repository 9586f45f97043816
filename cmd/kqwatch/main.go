// Command kqwatch registers timers, signals and stdin readiness with an
// event queue, and prints each harvested event as a JSON log line.
//
//	kqwatch --timer 500ms --timer 2s --signal 1 --stdin --count 10
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	kevent "github.com/joeycumines/go-kevent"
	"github.com/joeycumines/go-kevent/osfd"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	flag "github.com/spf13/pflag"
)

type config struct {
	timers   []time.Duration
	signals  []int
	logLevel string
	duration time.Duration
	count    int
	batch    int
	stdin    bool
	oneshot  bool
	metrics  bool
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	level, err := parseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	// queue diagnostics go to stderr, events to stdout
	diag := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()
	out := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stdout)),
	).Logger()

	if err := watch(ctx, cfg, diag, out); err != nil {
		diag.Err().Err(err).Log("kqwatch failed")
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (*config, error) {
	var cfg config
	fs := flag.NewFlagSet("kqwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationSliceVar(&cfg.timers, "timer", nil, "register a timer with this period (repeatable)")
	fs.IntSliceVar(&cfg.signals, "signal", nil, "watch this signal number (repeatable)")
	fs.BoolVar(&cfg.stdin, "stdin", false, "watch stdin for readability")
	fs.BoolVar(&cfg.oneshot, "oneshot", false, "register timers as one-shot")
	fs.IntVarP(&cfg.count, "count", "n", 0, "exit after this many events (0 for unlimited)")
	fs.DurationVarP(&cfg.duration, "duration", "d", 0, "exit after this long (0 for unlimited)")
	fs.IntVar(&cfg.batch, "batch", 16, "maximum events per wait")
	fs.StringVar(&cfg.logLevel, "log-level", "warning", "diagnostic log level: trace, debug, info, warning, err")
	fs.BoolVar(&cfg.metrics, "metrics", false, "log queue metrics on exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("kqwatch: unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.batch <= 0 {
		return nil, fmt.Errorf("kqwatch: invalid batch size %d", cfg.batch)
	}
	if len(cfg.timers) == 0 && len(cfg.signals) == 0 && !cfg.stdin {
		return nil, errors.New("kqwatch: nothing to watch, use --timer, --signal or --stdin")
	}
	return &cfg, nil
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info":
		return logiface.LevelInformational, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("kqwatch: unknown log level %q", s)
	}
}

func watch(ctx context.Context, cfg *config, diag, out *logiface.Logger[logiface.Event]) error {
	opts := []kevent.Option{
		kevent.WithLogger(diag),
		kevent.WithMetrics(cfg.metrics),
	}

	var files *osfd.Table
	if cfg.stdin {
		var err error
		if files, err = osfd.New(osfd.WithLogger(diag)); err != nil {
			return err
		}
		defer files.Close()
		if _, err := files.Track(int(os.Stdin.Fd())); err != nil {
			return err
		}
		opts = append(opts, kevent.WithFileTable(files))
	}

	q, err := kevent.New(opts...)
	if err != nil {
		return err
	}
	defer q.Close()
	if files != nil {
		files.Bind(q)
	}

	changes := make([]kevent.Kevent, 0, len(cfg.timers)+len(cfg.signals)+1)
	for i, d := range cfg.timers {
		flags := kevent.FlagAdd
		if cfg.oneshot {
			flags |= kevent.FlagOneShot
		}
		changes = append(changes, kevent.Kevent{
			Ident:  uint64(i + 1),
			Filter: kevent.FilterTimer,
			Flags:  flags,
			FFlags: kevent.NoteNSeconds,
			Data:   int64(d),
			Udata:  d.String(),
		})
	}
	for _, sig := range cfg.signals {
		changes = append(changes, kevent.Kevent{
			Ident:  uint64(sig),
			Filter: kevent.FilterSignal,
			Flags:  kevent.FlagAdd,
		})
	}
	if cfg.stdin {
		changes = append(changes, kevent.Kevent{
			Ident:  uint64(os.Stdin.Fd()),
			Filter: kevent.FilterRead,
			Flags:  kevent.FlagAdd | kevent.FlagClear,
			Udata:  "stdin",
		})
	}
	for _, change := range changes {
		if err := q.Register(change); err != nil {
			return err
		}
	}

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	events := make([]kevent.Kevent, cfg.batch)
	total := 0
	for cfg.count <= 0 || total < cfg.count {
		want := len(events)
		if cfg.count > 0 {
			want = min(want, cfg.count-total)
		}
		n, err := q.Wait(ctx, events[:want], kevent.Forever)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		for _, ev := range events[:n] {
			logEvent(out, &ev)
			if ev.Filter == kevent.FilterRead && ev.Flags&kevent.FlagEOF != 0 {
				// keeps a hung up stdin from firing forever
				_ = q.Register(kevent.Kevent{Ident: ev.Ident, Filter: ev.Filter, Flags: kevent.FlagDelete})
			} else if ev.Filter == kevent.FilterRead && ev.Data > 0 {
				discard(os.Stdin, ev.Data)
			}
		}
		total += n
	}

	if cfg.metrics {
		s := q.Metrics()
		diag.Info().
			Uint64("activations", s.Activations).
			Uint64("harvested", s.Harvested).
			Uint64("scans", s.Scans).
			Uint64("sleeps", s.Sleeps).
			Uint64("registrations", s.Registrations).
			Dur("scan_p50", s.ScanLatency.P50).
			Dur("scan_p99", s.ScanLatency.P99).
			Log("queue metrics")
	}
	return nil
}

func logEvent(out *logiface.Logger[logiface.Event], ev *kevent.Kevent) {
	b := out.Info().
		Uint64("ident", ev.Ident).
		Str("filter", ev.Filter.String()).
		Str("flags", ev.Flags.String()).
		Uint64("fflags", uint64(ev.FFlags)).
		Int64("data", ev.Data)
	if ev.Udata != nil {
		b = b.Any("udata", ev.Udata)
	}
	if ev.Err != nil {
		b = b.Err(ev.Err)
	}
	b.Log("event")
}

func discard(r io.Reader, n int64) {
	buf := make([]byte, min(n, 64<<10))
	_, _ = r.Read(buf)
}
