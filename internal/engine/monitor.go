package engine

import (
	"bufio"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Line is one line of a followed run log, without its trailing newline.
type Line struct {
	ExpName string
	JobID   string
	Text    string
}

// EndReason says why a stream stopped.
type EndReason string

const (
	EndCancelled EndReason = "cancelled"
	EndFinished  EndReason = "finished"
	EndMissing   EndReason = "missing"
	EndClosed    EndReason = "closed"
)

// MonitorTarget is one run to follow and where to start reading.
// The zero TailOptions start at the current end of file.
type MonitorTarget struct {
	Record registry.RunRecord
	Start  remote.TailOptions
}

// StreamResult reports how one stream ended. Offset is the byte position after the last
// delivered byte when it is known, or -1 when the stream started from a line count.
type StreamResult struct {
	ExpName string
	JobID   string
	Reason  EndReason
	State   registry.State
	Offset  int64
	Err     error
}

type stream struct {
	target   MonitorTarget
	finished chan struct{}
	once     sync.Once
	state    registry.State
}

func (s *stream) finish(state registry.State) {
	s.once.Do(func() {
		s.state = state
		close(s.finished)
	})
}

// Monitor follows the logs of targets concurrently and sends their lines to out.
// Each stream stops on ctx cancellation, on its job reaching a terminal state (after
// draining for the drain grace), or when its log file disappears. Only a failure to open
// a stream is returned as an error; per-stream outcomes are in the results.
func (e *Engine) Monitor(ctx context.Context, targets []MonitorTarget, out chan<- Line) ([]StreamResult, error) {
	streams := make([]*stream, len(targets))
	for i, t := range targets {
		streams[i] = &stream{target: t, finished: make(chan struct{})}
	}
	results := make([]StreamResult, len(targets))

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		e.watchTerminal(ctx, streams, stopWatch)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range streams {
		g.Go(func() error {
			res, err := e.follow(gctx, ctx, s, out)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	close(stopWatch)
	<-watchDone
	return results, err
}

// follow runs one stream. groupCtx aborts it when a sibling failed to open; callerCtx
// distinguishes operator cancellation from that.
func (e *Engine) follow(groupCtx context.Context, callerCtx context.Context, s *stream, out chan<- Line) (StreamResult, error) {
	rec := s.target.Record
	result := StreamResult{ExpName: rec.ExpName, JobID: rec.JobID, State: rec.State, Offset: -1}
	logger := log.With().Str("exp", rec.ExpName).Str("job_id", rec.JobID).Logger()

	opts, err := e.resolveStart(groupCtx, rec.LogPath, s.target.Start)
	if err != nil {
		return result, err
	}
	if opts.Offset > 0 {
		result.Offset = opts.Offset
	} else if opts.FromStart {
		result.Offset = 0
	}

	streamCtx, cancel := context.WithCancel(groupCtx)
	defer cancel()
	tail, err := e.remote.Tail(streamCtx, rec.LogPath, opts)
	if err != nil {
		return result, err
	}
	defer tail.Close()
	logger.Debug().Str("path", rec.LogPath).Int64("offset", result.Offset).Msg("engine.monitor attached")

	drained := make(chan struct{})
	defer close(drained)
	go func() {
		select {
		case <-s.finished:
			timer := time.NewTimer(e.opts.DrainGrace)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-drained:
				return
			}
		case <-drained:
			return
		}
		_ = tail.Close()
	}()

	reader := bufio.NewReader(tail)
	for {
		text, readErr := reader.ReadString('\n')
		if len(text) > 0 {
			line := Line{ExpName: rec.ExpName, JobID: rec.JobID, Text: trimNewline(text)}
			select {
			case out <- line:
				// Offset counts delivered bytes only.
				if result.Offset >= 0 {
					result.Offset += int64(len(text))
				}
			case <-groupCtx.Done():
				readErr = groupCtx.Err()
			}
		}
		if readErr != nil {
			break
		}
	}

	select {
	case <-s.finished:
		result.State = s.state
	default:
	}
	switch {
	case tail.Missing():
		result.Reason = EndMissing
		result.Err = remote.ErrRemoteFileMissing
		logger.Warn().Str("path", rec.LogPath).Msg("engine.monitor log file missing")
	case callerCtx.Err() != nil || groupCtx.Err() != nil:
		result.Reason = EndCancelled
	case result.State.Terminal():
		result.Reason = EndFinished
	default:
		result.Reason = EndClosed
	}
	logger.Debug().Str("reason", string(result.Reason)).Msg("engine.monitor detached")
	return result, nil
}

// resolveStart pins the default end-of-file start to a byte offset so the attach point is exact.
func (e *Engine) resolveStart(ctx context.Context, logPath string, opts remote.TailOptions) (remote.TailOptions, error) {
	if opts.Offset > 0 || opts.FromStart || opts.Lines > 0 {
		return opts, nil
	}
	size, err := e.fileSize(ctx, logPath)
	if err != nil {
		return opts, err
	}
	if size == 0 {
		return remote.TailOptions{FromStart: true}, nil
	}
	return remote.TailOptions{Offset: size}, nil
}

// watchTerminal polls the scheduler for all still-open streams in one batch per interval.
func (e *Engine) watchTerminal(ctx context.Context, streams []*stream, stop <-chan struct{}) {
	open := make(map[string]*stream, len(streams))
	for _, s := range streams {
		if s.target.Record.State.Terminal() {
			s.finish(s.target.Record.State)
			continue
		}
		open[s.target.Record.ExpName] = s
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for len(open) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		records := make([]registry.RunRecord, 0, len(open))
		for _, s := range open {
			records = append(records, s.target.Record)
		}
		states, err := e.Probe(ctx, records)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("engine.monitor state check failed")
			}
			continue
		}
		for name, state := range states {
			if s, ok := open[name]; ok && state.Terminal() {
				log.Debug().Str("exp", name).Str("state", string(state)).Msg("engine.monitor job finished, draining")
				s.finish(state)
				delete(open, name)
			}
		}
	}
}

func trimNewline(text string) string {
	if n := len(text); n > 0 && text[n-1] == '\n' {
		text = text[:n-1]
		if n := len(text); n > 0 && text[n-1] == '\r' {
			text = text[:n-1]
		}
	}
	return text
}
