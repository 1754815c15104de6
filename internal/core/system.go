package core

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"FabHost/internal/files"
	"FabHost/internal/model"
	"FabHost/internal/state"
	"FabHost/internal/util"
)

// Intake command tokens accepted from the enclosing API layer. Anything
// else is rejected with an unsupported-command error and no state change.
const (
	CmdCreateVirtualBot  = "createVirtualBot"
	CmdDestroyVirtualBot = "destroyVirtualBot"
	CmdConnect           = "connect"
	CmdDisconnect        = "disconnect"
)

// Observer receives every bot state transition.
type Observer func(botID string, st state.State)

// System manages the lifecycle of all configured bots. It loads the YAML
// configuration, constructs one Bot per slot and routes intake commands.
type System struct {
	cfg     *model.Config
	catalog *files.BoltCatalog
	log     *util.Logger

	mu        sync.Mutex
	bots      map[string]*Bot
	observers []Observer

	started   bool
	startLock sync.Mutex
	group     *errgroup.Group
}

// NewSystem reads the YAML configuration at cfgPath, opens the file
// catalog and constructs a Bot for every configured slot.
func NewSystem(cfgPath string, logger *util.Logger) (*System, error) {
	b, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	var cfg model.Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", cfgPath, err)
	}

	if cfg.Global.Baud == 0 {
		cfg.Global.Baud = 115200
	}
	if cfg.Global.CatalogPath == "" {
		cfg.Global.CatalogPath = "tmp/catalog.db"
	}

	catalog, err := files.OpenBolt(cfg.Global.CatalogPath, logger.Named("catalog"))
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg:     &cfg,
		catalog: catalog,
		log:     logger,
		bots:    make(map[string]*Bot),
	}

	for _, bc := range cfg.Bots {
		bot, err := s.buildBot(bc)
		if err != nil {
			_ = catalog.Close()
			return nil, err
		}
		s.bots[bc.ID] = bot
	}
	return s, nil
}

// buildBot applies global fallbacks and wires the bot's transitions into
// the system's observer fan-out.
func (s *System) buildBot(bc model.BotConfig) (*Bot, error) {
	if bc.Baud == 0 {
		bc.Baud = s.cfg.Global.Baud
	}
	if bc.Primer == "" {
		bc.Primer = s.cfg.Global.Primer
	}
	if bc.Virtual && bc.ConnectDelayMs == 0 {
		bc.ConnectDelayMs = s.cfg.Global.VirtualDelayMs
	}
	bot, err := NewBot(bc, s.catalog, s.log.Named("bot "+bc.ID))
	if err != nil {
		return nil, err
	}
	id := bc.ID
	bot.Machine().Subscribe(func(st state.State) {
		s.notify(id, st)
	})
	return bot, nil
}

// APIAddr returns the configured address for the HTTP surface.
func (s *System) APIAddr() string {
	return s.cfg.Global.APIAddr
}

// Catalog exposes the file catalog so the entrypoint can seed it.
func (s *System) Catalog() *files.BoltCatalog {
	return s.catalog
}

// Subscribe registers an observer for every bot's state transitions.
func (s *System) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *System) notify(botID string, st state.State) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, obs := range observers {
		obs(botID, st)
	}
}

// StartAll runs detection for every configured bot: virtual bots detect
// immediately; physical bots sweep the currently attached devices and then
// watch for hotplug events. Locator failures are logged, never fatal — the
// bot simply stays unavailable until remediated.
func (s *System) StartAll() error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.started {
		return nil
	}
	s.group = &errgroup.Group{}

	s.mu.Lock()
	bots := make([]*Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, b)
	}
	s.mu.Unlock()

	for _, b := range bots {
		b := b
		if b.Locator() == nil {
			if err := b.Detect(); err != nil {
				s.log.Error("bot %s detect: %v", b.ID, err)
			}
			continue
		}
		loc := b.Locator()
		if err := loc.Sweep(); err != nil {
			s.log.Error("bot %s startup sweep: %v", b.ID, err)
		}
		s.group.Go(func() error {
			if err := loc.Watch(); err != nil {
				s.log.Error("bot %s hotplug watch: %v", b.ID, err)
			}
			return nil
		})
	}
	s.started = true
	return nil
}

// StopAll stops hotplug watching, abandons active jobs and closes the
// catalog.
func (s *System) StopAll() {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if !s.started {
		return
	}
	s.mu.Lock()
	bots := make([]*Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, b)
	}
	s.mu.Unlock()

	for _, b := range bots {
		if loc := b.Locator(); loc != nil {
			_ = loc.Close()
		}
		if err := b.StopJob(); err == nil {
			s.log.Info("bot %s job stopped on shutdown", b.ID)
		}
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	if err := s.catalog.Close(); err != nil {
		s.log.Error("close catalog: %v", err)
	}
	s.started = false
}

// GetBot returns the status snapshot of one bot.
func (s *System) GetBot(id string) (Status, error) {
	b, err := s.bot(id)
	if err != nil {
		return Status{}, err
	}
	return b.Status(), nil
}

// Bots returns status snapshots for every bot.
func (s *System) Bots() []Status {
	s.mu.Lock()
	bots := make([]*Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, b)
	}
	s.mu.Unlock()
	out := make([]Status, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Status())
	}
	return out
}

func (s *System) bot(id string) (*Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, fmt.Errorf("unknown bot %q", id)
	}
	return b, nil
}

// ProcessCommand routes a lifecycle intake command. Unknown tokens are
// rejected with a descriptive error and cause no state change.
func (s *System) ProcessCommand(botID, command string) error {
	switch command {
	case CmdCreateVirtualBot:
		return s.CreateVirtualBot(botID)
	case CmdDestroyVirtualBot:
		return s.DestroyVirtualBot(botID)
	case CmdConnect:
		b, err := s.bot(botID)
		if err != nil {
			return err
		}
		return b.Connect()
	case CmdDisconnect:
		b, err := s.bot(botID)
		if err != nil {
			return err
		}
		return b.Disconnect()
	default:
		return fmt.Errorf("unsupported command %q", command)
	}
}

// CreateVirtualBot constructs a virtual bot under the given id and runs
// its detection, leaving it ready.
func (s *System) CreateVirtualBot(id string) error {
	s.mu.Lock()
	if _, exists := s.bots[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("bot %q already exists", id)
	}
	s.mu.Unlock()

	bot, err := s.buildBot(model.BotConfig{
		ID:             id,
		Virtual:        true,
		Baud:           s.cfg.Global.Baud,
		Primer:         s.cfg.Global.Primer,
		ConnectDelayMs: s.cfg.Global.VirtualDelayMs,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bots[id] = bot
	s.mu.Unlock()

	return bot.Detect()
}

// DestroyVirtualBot removes a virtual bot, abandoning whatever it was
// doing.
func (s *System) DestroyVirtualBot(id string) error {
	s.mu.Lock()
	b, ok := s.bots[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown bot %q", id)
	}
	if !b.cfg.Virtual {
		s.mu.Unlock()
		return fmt.Errorf("bot %q is not virtual", id)
	}
	delete(s.bots, id)
	s.mu.Unlock()

	b.handleUnplug(model.VirtualDevice())
	return nil
}

// StartJob starts streaming a cataloged file on the given bot.
func (s *System) StartJob(botID, fileID string) error {
	b, err := s.bot(botID)
	if err != nil {
		return err
	}
	return b.StartJob(fileID)
}

// PauseJob suspends the bot's active job.
func (s *System) PauseJob(botID string) error {
	b, err := s.bot(botID)
	if err != nil {
		return err
	}
	return b.PauseJob()
}

// ResumeJob continues the bot's paused job.
func (s *System) ResumeJob(botID string) error {
	b, err := s.bot(botID)
	if err != nil {
		return err
	}
	return b.ResumeJob()
}

// StopJob cancels the bot's active job.
func (s *System) StopJob(botID string) error {
	b, err := s.bot(botID)
	if err != nil {
		return err
	}
	return b.StopJob()
}

// SendGcode transmits a one-off command on the given bot.
func (s *System) SendGcode(botID, cmd string) error {
	b, err := s.bot(botID)
	if err != nil {
		return err
	}
	return b.SendGcode(cmd)
}
