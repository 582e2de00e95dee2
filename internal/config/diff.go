package config

import (
	"reflect"
	"slices"

	logx "pulsekeeper/pkg/logx"
)

// Sections that take effect without a restart.
const (
	SectionLogging = "logging"
	SectionPulse   = "pulse"
	SectionDebug   = "debug"
)

var liveSections = []string{SectionLogging, SectionPulse, SectionDebug}

// Change describes what differs between two config revisions.
type Change struct {
	// Sections lists every top-level section that changed.
	Sections []string
	// RestartRequired lists the changed sections that are only read at boot.
	RestartRequired []string
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two revisions section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	check := func(name string, a, b any) {
		if reflect.DeepEqual(a, b) {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if !slices.Contains(liveSections, name) {
			ch.RestartRequired = append(ch.RestartRequired, name)
		}
	}
	check(SectionLogging, oldCfg.Logging, newCfg.Logging)
	check(SectionPulse, oldCfg.Pulse, newCfg.Pulse)
	check("background", oldCfg.Background, newCfg.Background)
	check("host", oldCfg.Host, newCfg.Host)
	check("lease", oldCfg.Lease, newCfg.Lease)
	check("actuators", oldCfg.Actuators, newCfg.Actuators)
	check("telegram", oldCfg.Telegram, newCfg.Telegram)
	check("storage", oldCfg.Storage, newCfg.Storage)
	check(SectionDebug, oldCfg.Debug, newCfg.Debug)
	return ch
}

// LogFields renders safe attributes for a reload log line. Tokens are never
// included.
func (c Change) LogFields(newCfg *Config) []logx.Field {
	fields := []logx.Field{logx.Any("changed", c.Sections)}
	if len(c.RestartRequired) > 0 {
		fields = append(fields, logx.Any("restart_required", c.RestartRequired))
	}
	if newCfg == nil {
		return fields
	}
	if c.Has(SectionLogging) {
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.remote", newCfg.Logging.Remote.Enabled),
		)
	}
	if c.Has(SectionPulse) {
		fields = append(fields, logx.String("pulse.period", newCfg.Pulse.Period))
	}
	if c.Has(SectionDebug) {
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return fields
}
