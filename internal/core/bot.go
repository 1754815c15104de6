// Package core contains the orchestration layer of FabHost: the Bot
// aggregate owning one machine's lifecycle and the System that builds and
// routes commands to the configured bots.
package core

import (
	"fmt"
	"sync"
	"time"

	"FabHost/internal/channel"
	"FabHost/internal/files"
	"FabHost/internal/locate"
	"FabHost/internal/model"
	"FabHost/internal/queue"
	"FabHost/internal/state"
	"FabHost/internal/stream"
	"FabHost/internal/util"
)

// virtualPort is the placeholder port name a virtual channel opens.
const virtualPort = "virtual"

// Status is the externally visible snapshot of a bot.
type Status struct {
	ID      string     `json:"id"`
	State   string     `json:"state"`
	Virtual bool       `json:"virtual"`
	Port    string     `json:"port,omitempty"`
	Device  string     `json:"device,omitempty"`
	Job     *JobStatus `json:"job,omitempty"`
}

// JobStatus reports progress of the active job.
type JobStatus struct {
	FileID      string `json:"file_id"`
	State       string `json:"state"`
	CurrentLine int    `json:"current_line"`
	TotalLines  int    `json:"total_lines"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// Bot is the aggregate root for one controlled machine, physical or
// virtual. It owns the state machine, the channel, the command queue and
// at most one active job.
type Bot struct {
	ID      string
	cfg     model.BotConfig
	machine *state.Machine
	ch      channel.Channel
	q       *queue.CommandQueue
	locator *locate.Locator // nil for virtual bots
	catalog files.Catalog
	log     *util.Logger

	mu       sync.Mutex
	device   *model.Device
	port     string
	streamer *stream.Streamer
}

// NewBot builds a bot from its configuration. The channel variant is
// chosen here, by configuration, and never switched at runtime.
func NewBot(cfg model.BotConfig, catalog files.Catalog, logger *util.Logger) (*Bot, error) {
	machine, err := state.NewMachine(logger)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.ID, err)
	}

	var ch channel.Channel
	if cfg.Virtual {
		ch = channel.NewVirtualChannel(time.Duration(cfg.ConnectDelayMs)*time.Millisecond, logger)
	} else {
		ch = channel.NewSerialChannel(logger)
	}

	retries := queue.DefaultRetries
	if cfg.Retries > 0 {
		retries = cfg.Retries
	}

	b := &Bot{
		ID:      cfg.ID,
		cfg:     cfg,
		machine: machine,
		ch:      ch,
		q:       queue.New(ch, retries, logger),
		catalog: catalog,
		log:     logger,
	}
	if !cfg.Virtual {
		b.locator = locate.New(cfg.VendorID, cfg.ProductID, b.handleDetect, b.handleUnplug, logger)
	}
	return b, nil
}

// Machine exposes the lifecycle state machine, mainly so observers can
// subscribe to transitions.
func (b *Bot) Machine() *state.Machine {
	return b.machine
}

// Locator returns the bot's device locator (nil for virtual bots).
func (b *Bot) Locator() *locate.Locator {
	return b.locator
}

// Detect runs the detection step for a virtual bot: a synthetic descriptor
// stands in for hardware and port resolution is skipped.
func (b *Bot) Detect() error {
	if !b.cfg.Virtual {
		return fmt.Errorf("bot %s is physical; detection is driven by hotplug", b.ID)
	}
	dev := model.VirtualDevice()
	b.handleDetect(dev, virtualPort)
	return nil
}

// handleDetect is the locator's detection callback: unavailable →
// detecting, record the identity and port, → ready.
func (b *Bot) handleDetect(dev model.Device, port string) {
	if err := b.machine.Fire(state.Detect); err != nil {
		return
	}
	b.mu.Lock()
	b.device = &dev
	b.port = port
	b.mu.Unlock()
	if err := b.machine.Fire(state.DetectDone); err != nil {
		_ = b.machine.Fire(state.DetectFail)
	}
}

// handleUnplug tears the bot down from any state: the wildcard unplug
// edge forces unavailable, the active job is abandoned and the channel
// closed.
func (b *Bot) handleUnplug(dev model.Device) {
	_ = b.machine.Fire(state.Unplug)
	b.mu.Lock()
	b.device = nil
	b.port = ""
	st := b.streamer
	b.streamer = nil
	b.mu.Unlock()
	if st != nil {
		st.Abandon()
	}
	b.q.Flush()
	if err := b.ch.Close(); err != nil {
		b.log.Error("close channel on unplug: %v", err)
	}
}

// Connect drives ready → connecting and opens the channel through the
// command queue (the open directive waits its turn like any entry), with
// the primer transmitted before any job traffic. Completion drives
// connectDone or connectFail.
func (b *Bot) Connect() error {
	if err := b.machine.Fire(state.Connect); err != nil {
		return err
	}
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == "" {
		port = virtualPort
	}
	go func() {
		if err := <-b.q.QueueOpen(port, b.cfg.Baud, b.cfg.Primer); err != nil {
			b.log.Error("connect %s: %v", port, err)
			_ = b.machine.Fire(state.ConnectFail)
			return
		}
		_ = b.machine.Fire(state.ConnectDone)
	}()
	return nil
}

// Disconnect drives connected → disconnecting, closes the channel and
// completes with disconnectDone or disconnectFail.
func (b *Bot) Disconnect() error {
	if err := b.machine.Fire(state.Disconnect); err != nil {
		return err
	}
	go func() {
		if err := b.ch.Close(); err != nil {
			b.log.Error("disconnect: %v", err)
			_ = b.machine.Fire(state.DisconnectFail)
			return
		}
		_ = b.machine.Fire(state.DisconnectDone)
	}()
	return nil
}

// StartJob begins streaming the cataloged file. Exactly one job may be
// active; starting another while one is active is rejected.
func (b *Bot) StartJob(fileID string) error {
	b.mu.Lock()
	if b.streamer != nil {
		b.mu.Unlock()
		return fmt.Errorf("bot %s already has an active job", b.ID)
	}
	job := model.NewJob(fileID)
	st := stream.New(job, b.machine, b.q, b.catalog, b.log)
	b.streamer = st
	b.mu.Unlock()

	if err := st.Start(); err != nil {
		b.mu.Lock()
		b.streamer = nil
		b.mu.Unlock()
		return err
	}

	// release the job reference once the pipeline winds down
	go func() {
		<-st.Done()
		b.mu.Lock()
		if b.streamer == st {
			b.streamer = nil
		}
		b.mu.Unlock()
	}()
	return nil
}

// PauseJob suspends the active job's line delivery.
func (b *Bot) PauseJob() error {
	st, err := b.activeStreamer()
	if err != nil {
		return err
	}
	return st.Pause()
}

// ResumeJob continues a paused job from the next unread line.
func (b *Bot) ResumeJob() error {
	st, err := b.activeStreamer()
	if err != nil {
		return err
	}
	return st.Resume()
}

// StopJob cancels the active job.
func (b *Bot) StopJob() error {
	st, err := b.activeStreamer()
	if err != nil {
		return err
	}
	return st.Stop()
}

func (b *Bot) activeStreamer() (*stream.Streamer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamer == nil {
		return nil, fmt.Errorf("bot %s has no active job", b.ID)
	}
	return b.streamer, nil
}

// SendGcode queues a single one-off command, bracketed by the gcode
// transitions from whichever resting state the bot is in.
func (b *Bot) SendGcode(cmd string) error {
	var enter, done, fail state.Event
	switch b.machine.Current() {
	case state.ProcessingJob:
		enter, done, fail = state.JobToGcode, state.JobGcodeDone, state.JobGcodeFail
	default:
		enter, done, fail = state.ConnectedToGcode, state.ConnectedGcodeDone, state.ConnectedGcodeFail
	}
	if err := b.machine.Fire(enter); err != nil {
		return err
	}
	if err := <-b.q.QueueCommand(cmd); err != nil {
		_ = b.machine.Fire(fail)
		return err
	}
	return b.machine.Fire(done)
}

// Status returns the externally visible snapshot of the bot.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		ID:      b.ID,
		State:   string(b.machine.Current()),
		Virtual: b.cfg.Virtual,
		Port:    b.port,
	}
	if b.device != nil {
		s.Device = b.device.String()
	}
	if b.streamer != nil {
		j := b.streamer.Job()
		s.Job = &JobStatus{
			FileID:      j.FileID,
			State:       string(j.State()),
			CurrentLine: j.CurrentLine(),
			TotalLines:  j.TotalLines(),
			ElapsedMs:   j.Elapsed().Milliseconds(),
		}
	}
	return s
}
