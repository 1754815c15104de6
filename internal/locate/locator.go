// Package locate bridges USB hotplug events to an OS serial port path. An
// attach whose vendor/product pair matches the configured target is
// resolved against the enumerated system serial ports; a detach tears the
// bot down unconditionally. Hotplug is observed by watching /dev for
// device nodes appearing and disappearing.
package locate

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.bug.st/serial/enumerator"

	"FabHost/internal/model"
	"FabHost/internal/util"
)

// devDir is where serial device nodes appear on attach.
const devDir = "/dev"

// DetectFunc receives the matched device and its resolved port path.
type DetectFunc func(dev model.Device, port string)

// UnplugFunc receives the detached device.
type UnplugFunc func(dev model.Device)

// Locator resolves one target vendor/product pair to a serial port.
type Locator struct {
	vendor   uint16
	product  uint16
	onDetect DetectFunc
	onUnplug UnplugFunc
	log      *util.Logger

	mu      sync.Mutex
	port    string // resolved port path, "" while absent
	watcher *fsnotify.Watcher
}

// New creates a locator for the given target identifiers.
func New(vendor, product uint16, onDetect DetectFunc, onUnplug UnplugFunc, logger *util.Logger) *Locator {
	return &Locator{
		vendor:   vendor,
		product:  product,
		onDetect: onDetect,
		onUnplug: onUnplug,
		log:      logger,
	}
}

// Attached handles a USB attach event. A non-matching identity is ignored;
// a matching one is resolved to a port and detection triggered. Failing to
// resolve is not fatal: the device is simply not present yet.
func (l *Locator) Attached(dev model.Device) {
	if !dev.Matches(l.vendor, l.product) {
		return
	}
	port, err := l.resolvePort(dev)
	if err != nil {
		l.log.Info("device %s attached but no port yet: %v", dev, err)
		return
	}
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	l.log.Info("device %s resolved to %s", dev, port)
	l.onDetect(dev, port)
}

// Detached handles a USB detach event. A matching identity triggers unplug
// unconditionally; no port resolution is needed to tear down.
func (l *Locator) Detached(dev model.Device) {
	if !dev.Matches(l.vendor, l.product) {
		return
	}
	l.mu.Lock()
	l.port = ""
	l.mu.Unlock()
	l.log.Info("device %s detached", dev)
	l.onUnplug(dev)
}

// resolvePort scans the enumerated system serial ports and matches each
// port's hex-encoded vendor/product identifiers against the descriptor's
// numeric ones.
func (l *Locator) resolvePort(dev model.Device) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if MatchesHexID(p.VID, dev.VendorID) && MatchesHexID(p.PID, dev.ProductID) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no serial port carries %s", dev)
}

// MatchesHexID reports whether a hex-encoded identifier (as reported by
// the port enumerator, e.g. "2341") denotes the given numeric id.
func MatchesHexID(hex string, id uint16) bool {
	v, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 16)
	if err != nil {
		return false
	}
	return uint16(v) == id
}

// Sweep applies the attach logic to every currently enumerated USB serial
// port, covering devices already plugged in at startup.
func (l *Locator) Sweep() error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err1 := strconv.ParseUint(p.VID, 16, 16)
		pid, err2 := strconv.ParseUint(p.PID, 16, 16)
		if err1 != nil || err2 != nil {
			continue
		}
		l.Attached(model.Device{
			VendorID:  uint16(vid),
			ProductID: uint16(pid),
			Raw:       fmt.Sprintf("%s %s:%s %s", p.Name, p.VID, p.PID, p.SerialNumber),
		})
	}
	return nil
}

// Watch observes /dev for serial device nodes appearing or disappearing
// and re-runs the attach/detach logic accordingly. It blocks until Close.
func (l *Locator) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hotplug watcher: %w", err)
	}
	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	if err := w.Add(devDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", devDir, err)
	}
	l.log.Info("watching %s for %04x:%04x", devDir, l.vendor, l.product)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !serialNode(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				if err := l.Sweep(); err != nil {
					l.log.Error("sweep after attach: %v", err)
				}
			case ev.Op.Has(fsnotify.Remove):
				l.mu.Lock()
				gone := l.port != "" && ev.Name == l.port
				l.mu.Unlock()
				if gone {
					l.Detached(model.Device{VendorID: l.vendor, ProductID: l.product, Raw: ev.Name})
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Error("hotplug watcher: %v", err)
		}
	}
}

// Close stops the hotplug watch.
func (l *Locator) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// serialNode reports whether a /dev entry looks like a serial device node.
func serialNode(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "ttyUSB") ||
		strings.HasPrefix(base, "ttyACM") ||
		strings.HasPrefix(base, "cu.")
}
