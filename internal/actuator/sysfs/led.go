// Package sysfs drives a Linux LED class device (/sys/class/leds/<name>) as
// an actuator. It serves both torch LEDs and vibration motors exposed through
// the leds subsystem (e.g. "vibrator" or "flashlight").
package sysfs

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"pulsekeeper/internal/actuator"
)

// DefaultRoot is where the kernel exposes LED class devices.
const DefaultRoot = "/sys/class/leds"

type LED struct {
	dir string

	lock sync.Mutex

	mu      sync.Mutex
	max     int
	trigger string
}

// New returns a driver for root/name. Availability is checked lazily.
func New(root, name string) *LED {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	return &LED{dir: filepath.Join(root, name)}
}

func (l *LED) Available() bool {
	_, err := os.Stat(filepath.Join(l.dir, "brightness"))
	return err == nil
}

func (l *LED) Lock() error {
	if !l.lock.TryLock() {
		return actuator.ErrHardwareBusy
	}
	return nil
}

func (l *LED) Unlock() { l.lock.Unlock() }

func (l *LED) SetLevel(level float64) error {
	max, err := l.maxBrightness()
	if err != nil {
		return err
	}
	level = math.Min(math.Max(level, 0), 1)
	v := int(math.Round(level * float64(max)))
	return l.write("brightness", strconv.Itoa(v))
}

// OpenSession detaches any kernel trigger so brightness writes stick. The
// previous trigger is restored on CloseSession.
func (l *LED) OpenSession() error {
	if _, err := l.maxBrightness(); err != nil {
		return err
	}
	cur, err := l.currentTrigger()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	l.mu.Lock()
	l.trigger = cur
	l.mu.Unlock()
	if cur != "" && cur != "none" {
		return l.write("trigger", "none")
	}
	return nil
}

func (l *LED) CloseSession() error {
	l.mu.Lock()
	prev := l.trigger
	l.trigger = ""
	l.mu.Unlock()
	if prev == "" || prev == "none" {
		return nil
	}
	return l.write("trigger", prev)
}

func (l *LED) maxBrightness() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 {
		return l.max, nil
	}
	b, err := os.ReadFile(filepath.Join(l.dir, "max_brightness"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", actuator.ErrCapabilityUnavailable, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad max_brightness %q", actuator.ErrConfigurationFailed, strings.TrimSpace(string(b)))
	}
	l.max = n
	return n, nil
}

// currentTrigger parses the "[selected]" entry from the trigger file.
func (l *LED) currentTrigger() (string, error) {
	b, err := os.ReadFile(filepath.Join(l.dir, "trigger"))
	if err != nil {
		return "", err
	}
	for _, f := range strings.Fields(string(b)) {
		if strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]") {
			return strings.Trim(f, "[]"), nil
		}
	}
	return "", nil
}

func (l *LED) write(file, val string) error {
	if err := os.WriteFile(filepath.Join(l.dir, file), []byte(val), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", actuator.ErrConfigurationFailed, file, err)
	}
	return nil
}
