package livelog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/store"
)

// SSE cadence contract. The API layer drives its flush loops off these.
const (
	// BuildTick is the poll cadence of the build output stream.
	BuildTick = 50 * time.Millisecond

	// BuildKeepaliveTicks is how many silent build ticks pass before a
	// keepalive comment is sent (560 * 50ms ≈ 28s).
	BuildKeepaliveTicks = 560

	// StatusTick is the poll cadence of the status stream.
	StatusTick = time.Second

	// StatusKeepaliveTicks is how many silent status polls pass before
	// a keepalive comment is sent.
	StatusKeepaliveTicks = 15
)

// ChannelFor returns the pub/sub channel carrying live output for bnum.
func ChannelFor(bnum int64) string {
	return fmt.Sprintf("live:build_output:%d", bnum)
}

// LastLineKey returns the key holding the most recent output line for
// bnum. Late subscribers read it as their snapshot.
func LastLineKey(bnum int64) string {
	return fmt.Sprintf("tmp:build_log_last_line:%d", bnum)
}

// Streamer fans build output into the store: live subscribers get each
// line over pub/sub, late subscribers get the last-line snapshot, and
// the build entity gets the durable log.
type Streamer struct {
	st     *store.Client
	logger zerolog.Logger
}

// NewStreamer creates a streamer on st.
func NewStreamer(st *store.Client) *Streamer {
	return &Streamer{
		st:     st,
		logger: log.WithComponent("livelog"),
	}
}

// Pump reads r line by line until EOF and fans each line out: publish on
// the build channel, overwrite the last-line snapshot, append to the
// build's durable log. Carriage-return progress spinners are reduced to
// their final state. Repo updates attached to a build pump through the
// same channels.
func (s *Streamer) Pump(ctx context.Context, bnum int64, r io.Reader) error {
	bld, err := entity.GetBuild(ctx, s.st, bnum)
	if err != nil {
		return fmt.Errorf("failed to resolve build %d: %w", bnum, err)
	}

	channel := ChannelFor(bnum)
	lastKey := LastLineKey(bnum)
	logger := s.logger.With().Int64("bnum", bnum).Logger()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := FilterLine(scanner.Text())
		if line == "" {
			continue
		}

		if err := s.st.Publish(ctx, channel, line); err != nil {
			logger.Error().Err(err).Msg("failed to publish output line")
		}
		if err := s.st.SetString(ctx, lastKey, line); err != nil {
			logger.Error().Err(err).Msg("failed to save last line")
		}
		if err := bld.AppendLog(ctx, line); err != nil {
			logger.Error().Err(err).Msg("failed to append durable log")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read build output: %w", err)
	}
	return nil
}

// Follow delivers the output of one build: the last-line snapshot first,
// then every line published while the follow is open.
type Follow struct {
	lines <-chan string
	sub   *store.Subscription
}

// Lines returns the output channel. It closes when the follow ends.
func (f *Follow) Lines() <-chan string {
	return f.lines
}

// Close ends the follow.
func (f *Follow) Close() error {
	return f.sub.Close()
}

// FollowBuild subscribes to a build's live output, snapshot-then-follow:
// the subscription is opened before the snapshot is read so no line can
// fall between them.
func (s *Streamer) FollowBuild(ctx context.Context, bnum int64) (*Follow, error) {
	sub := s.st.Subscribe(ctx, ChannelFor(bnum))

	snapshot, err := s.st.GetString(ctx, LastLineKey(bnum))
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)

		if snapshot != "" {
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
		}

		for msg := range sub.Messages() {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Follow{lines: out, sub: sub}, nil
}

// FilterLine reduces a raw output line to what is worth keeping: a
// carriage-return spinner collapses to its final state, surrounding
// whitespace goes, and pure progress noise reads as empty.
func FilterLine(raw string) string {
	if i := strings.LastIndexByte(raw, '\r'); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimRight(strings.TrimSuffix(raw, "\n"), " \t")
}
