package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"FabHost/internal/files"
	"FabHost/internal/model"
	"FabHost/internal/queue"
	"FabHost/internal/state"
	"FabHost/internal/util"
)

// maxSourceErrors bounds consecutive line-source read failures before the
// stream gives up; isolated failures are logged and skipped.
const maxSourceErrors = 3

type countResult struct {
	n   int
	err error
}

// Streamer feeds one job's file into the command queue, line by line and
// strictly in file order. Every lifecycle step is bracketed by transitions
// on the bot's state machine, and the next line is only pulled once the
// previous command has resolved and the job is confirmed still running.
type Streamer struct {
	machine *state.Machine
	q       *queue.CommandQueue
	catalog files.Catalog
	log     *util.Logger

	mu   sync.Mutex
	cond *sync.Cond
	job  *model.Job
	src  *LineSource
	done chan struct{}
}

// New creates a streamer for the given job. Start must be called to begin
// delivery.
func New(job *model.Job, machine *state.Machine, q *queue.CommandQueue, catalog files.Catalog, logger *util.Logger) *Streamer {
	s := &Streamer{
		machine: machine,
		q:       q,
		catalog: catalog,
		log:     logger,
		job:     job,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Job returns the job being streamed.
func (s *Streamer) Job() *model.Job {
	return s.job
}

// Done is closed once the delivery loop has exited, whether by completion
// or cancellation.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Start drives the start transition, resolves the job file through the
// catalog, opens the line source and launches delivery. The total line
// count is pre-scanned concurrently with opening the source but is always
// established before the first command is forwarded. Any failure drives
// startFail so the machine never parks in startingJob.
func (s *Streamer) Start() error {
	if err := s.machine.Fire(state.Start); err != nil {
		return err
	}

	rec, err := s.catalog.GetFile(s.job.FileID)
	if err != nil {
		return s.failStart(err)
	}
	path := s.catalog.GetFilePath(rec)

	counted := make(chan countResult, 1)
	go func() {
		n, err := CountLines(path)
		counted <- countResult{n, err}
	}()

	src, err := OpenLineSource(path)
	if err != nil {
		return s.failStart(err)
	}

	cr := <-counted
	if cr.err != nil {
		_ = src.Close()
		return s.failStart(cr.err)
	}
	s.job.SetTotalLines(cr.n)

	s.mu.Lock()
	s.src = src
	s.mu.Unlock()

	if err := s.machine.Fire(state.StartDone); err != nil {
		_ = src.Close()
		return err
	}
	s.log.Info("streaming %s (%d lines)", rec.Name, cr.n)
	go s.loop()
	return nil
}

func (s *Streamer) failStart(err error) error {
	s.job.SetState(model.JobCanceled)
	_ = s.machine.Fire(state.StartFail)
	close(s.done)
	return fmt.Errorf("start job %s: %w", s.job.FileID, err)
}

// loop is the delivery pipeline: pull a line, advance the cursor, strip
// the comment, forward what remains and wait for its resolution before
// pulling again. Blank and comment-only lines are transparent.
func (s *Streamer) loop() {
	defer close(s.done)
	errStreak := 0
	for {
		if !s.waitRunning() {
			return
		}
		line, err := s.src.Next()
		if err == io.EOF {
			s.complete()
			return
		}
		if err != nil {
			if !s.job.Running() {
				return
			}
			s.log.Error("line source: %v", err)
			errStreak++
			if errStreak >= maxSourceErrors {
				s.log.Error("giving up after %d consecutive source errors", errStreak)
				s.complete()
				return
			}
			continue
		}
		errStreak = 0
		s.job.AdvanceLine()

		cmd := StripComment(line)
		if cmd == "" {
			continue
		}
		if err := <-s.q.QueueCommand(cmd); err != nil {
			if errors.Is(err, queue.ErrFlushed) {
				continue
			}
			s.log.Error("line %d (%q): %v", s.job.CurrentLine(), cmd, err)
		}
	}
}

// waitRunning blocks while the job is paused and reports whether it is
// still running; false means the job reached a final state.
func (s *Streamer) waitRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch s.job.State() {
		case model.JobRunning:
			return true
		case model.JobPaused:
			s.cond.Wait()
		default:
			return false
		}
	}
}

// complete handles end of file: stop transition, close the source,
// stopDone, mark the job completed (which stops its elapsed tracker).
func (s *Streamer) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.job.Running() {
		return
	}
	if err := s.machine.Fire(state.Stop); err != nil {
		return
	}
	_ = s.src.Close()
	_ = s.machine.Fire(state.StopDone)
	s.job.SetState(model.JobCompleted)
	s.log.Info("job %s completed: %d/%d lines in %s",
		s.job.FileID, s.job.CurrentLine(), s.job.TotalLines(), s.job.Elapsed())
}

// Abandon cancels the job without driving stop transitions, for teardown
// paths (unplug) where the machine has already been forced elsewhere.
func (s *Streamer) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.job.State(); st == model.JobCompleted || st == model.JobCanceled {
		return
	}
	s.job.SetState(model.JobCanceled)
	if s.src != nil {
		_ = s.src.Close()
	}
	s.cond.Broadcast()
	s.q.Flush()
}

// Pause suspends delivery after the current line resolves. The source is
// kept so Resume can continue from the next unread line.
func (s *Streamer) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.job.State(); st != model.JobRunning {
		return fmt.Errorf("cannot pause job in state %q", st)
	}
	if err := s.machine.Fire(state.Stop); err != nil {
		return err
	}
	s.job.SetState(model.JobPaused)
	return s.machine.Fire(state.StopDone)
}

// Resume continues a paused job from the next unread line; no line is ever
// re-delivered.
func (s *Streamer) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.job.State(); st != model.JobPaused {
		return fmt.Errorf("cannot resume job in state %q", st)
	}
	if err := s.machine.Fire(state.Start); err != nil {
		return err
	}
	s.job.SetState(model.JobRunning)
	s.cond.Broadcast()
	return s.machine.Fire(state.StartDone)
}

// Stop cancels the job: the source is closed irrecoverably, unsent queue
// entries are flushed and an entry already in flight drains to its natural
// resolution.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.job.State()
	if st == model.JobCompleted || st == model.JobCanceled {
		return fmt.Errorf("job already %s", st)
	}
	running := st == model.JobRunning
	if running {
		if err := s.machine.Fire(state.Stop); err != nil {
			return err
		}
	}
	s.job.SetState(model.JobCanceled)
	if s.src != nil {
		_ = s.src.Close()
	}
	s.cond.Broadcast()
	s.q.Flush()
	if running {
		return s.machine.Fire(state.StopDone)
	}
	return nil
}
