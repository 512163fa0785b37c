// Package redundancy implements a CAN-A/CAN-B bus redundancy manager (CiA
// 302-6 / ECSS E-70-41A): when a slave stops hearing the redundancy
// master's heartbeat, it toggles to the other physical bus, retrying up to
// a configured limit before giving up and reporting "no master". No
// teacher analogue exists in the retrieved pack; grounded on the
// dispatcher-timer idiom nmt's heartbeat consumer uses for its own
// timeout/rearm cycle, and on the teacher's Entry.AddExtension pattern for
// persisting the toggle counter in the object dictionary.
package redundancy

import (
	"log/slog"
	"strconv"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
)

// Bus identifies one of the two physical CAN buses a redundant node is
// connected to.
type Bus uint8

const (
	BusA Bus = 0
	BusB Bus = 1
)

func (b Bus) other() Bus {
	if b == BusA {
		return BusB
	}
	return BusA
}

// Sub-indices of the redundancy configuration record this package installs
// (spec.md §4.9 leaves the index to the implementation; 0x2400 is this
// repo's choice, documented in DESIGN.md).
const (
	ConfigIndex          uint16 = 0x2400
	SubDefaultBus        uint8  = 1
	SubToggleDelayFactor uint8  = 2 // ttoggle
	SubMaxToggles        uint8  = 3 // ntoggle
	SubToggleCount       uint8  = 4 // ctoggle
)

// SwitchCallback is invoked every time the manager toggles the active bus,
// so the host can actually reconfigure which physical CAN interface frames
// go out on.
type SwitchCallback func(active Bus)

// NoMasterCallback is invoked once the manager exhausts its toggle budget
// without recovering the master's heartbeat.
type NoMasterCallback func()

// Manager watches for missed redundancy-master heartbeats and toggles the
// active bus in response (CiA 302-6 §4). It owns no CAN I/O itself: the
// host must react to SwitchCallback by actually redirecting frames to the
// newly active bus.
type Manager struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	entry  *od.Entry

	defaultBus       Bus
	active           Bus
	toggleDelayFactor uint16
	maxToggles        uint8
	toggleCount       uint8

	masterHbPeriod time.Duration

	timer     dispatch.TimerHandle
	haveTimer bool

	onSwitch   SwitchCallback
	onNoMaster NoMasterCallback
}

// New builds a Manager from the redundancy config record at ConfigIndex,
// created by AddConfigEntry, or from explicit defaults if entry is nil.
func New(d *dispatch.Dispatcher, logger *slog.Logger, entry *od.Entry) (*Manager, error) {
	if d == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{d: d, logger: logger.With("service", "redundancy"), entry: entry,
		defaultBus: BusA, toggleDelayFactor: 2, maxToggles: 3}
	m.active = m.defaultBus

	if entry != nil {
		if v, err := entry.Uint8(SubDefaultBus); err == nil {
			m.defaultBus = Bus(v)
			m.active = m.defaultBus
		}
		if v, err := entry.Uint16(SubToggleDelayFactor); err == nil {
			m.toggleDelayFactor = v
		}
		if v, err := entry.Uint8(SubMaxToggles); err == nil {
			m.maxToggles = v
		}
		entry.AddExtension(m, od.ReadEntryDefault, writeConfigEntry)
	}
	return m, nil
}

// AddConfigEntry installs the {bdefault, ttoggle, ntoggle, ctoggle} record
// at ConfigIndex, the teacher's OD-extension pattern applied to a
// brand-new object.
func AddConfigEntry(dict *od.ObjectDictionary, defaultBus Bus, toggleDelayFactor uint16, maxToggles uint8) (*od.Entry, error) {
	list := od.NewRecord()
	if _, err := list.AddSubObject(SubDefaultBus, "Default bus", od.UNSIGNED8, od.AttributeSdoRw, strconv.FormatUint(uint64(defaultBus), 10)); err != nil {
		return nil, err
	}
	if _, err := list.AddSubObject(SubToggleDelayFactor, "Toggle delay factor", od.UNSIGNED16, od.AttributeSdoRw, strconv.FormatUint(uint64(toggleDelayFactor), 10)); err != nil {
		return nil, err
	}
	if _, err := list.AddSubObject(SubMaxToggles, "Max toggles", od.UNSIGNED8, od.AttributeSdoRw, strconv.FormatUint(uint64(maxToggles), 10)); err != nil {
		return nil, err
	}
	if _, err := list.AddSubObject(SubToggleCount, "Toggle count", od.UNSIGNED16, od.AttributeSdoR, "0"); err != nil {
		return nil, err
	}
	return dict.AddVariableList(ConfigIndex, "Bus redundancy configuration", list), nil
}

// OnSwitch registers the callback fired on every bus toggle.
func (m *Manager) OnSwitch(fn SwitchCallback) { m.onSwitch = fn }

// OnNoMaster registers the callback fired once the toggle budget is spent.
func (m *Manager) OnNoMaster(fn NoMasterCallback) { m.onNoMaster = fn }

// Active returns the currently selected bus.
func (m *Manager) Active() Bus { return m.active }

// Start begins monitoring for the redundancy master's heartbeat, expected
// every masterHbPeriod.
func (m *Manager) Start(masterHbPeriod time.Duration) {
	m.masterHbPeriod = masterHbPeriod
	m.toggleCount = 0
	m.armToggleTimer()
}

// Close deregisters the toggle timer. The redundancy.Manager open question
// (no defined teardown policy in the source material this was derived
// from) is resolved by always calling this before rebuilding services on
// reset, making the ambiguity moot rather than guessing a policy.
func (m *Manager) Close() {
	if m.haveTimer {
		m.d.DeregisterTimer(m.timer)
		m.haveTimer = false
	}
}

// OnMasterHeartbeat must be called whenever a heartbeat from the
// redundancy master is observed: it cancels any pending toggle and resets
// the toggle budget.
func (m *Manager) OnMasterHeartbeat() {
	m.toggleCount = 0
	m.armToggleTimer()
}

func (m *Manager) armToggleTimer() {
	if m.masterHbPeriod <= 0 {
		return
	}
	if m.haveTimer {
		m.d.DeregisterTimer(m.timer)
	}
	delay := m.masterHbPeriod
	if m.toggleDelayFactor > 1 {
		delay = m.masterHbPeriod * time.Duration(m.toggleDelayFactor-1)
	}
	m.timer = m.d.RegisterTimer(m.d.Now().Add(delay), nil, m.onToggleDue)
	m.haveTimer = true
}

func (m *Manager) onToggleDue(canopen.Timestamp) {
	m.haveTimer = false
	if m.toggleCount >= m.maxToggles {
		m.revertToDefault()
		return
	}
	m.toggleCount++
	m.active = m.active.other()
	m.persistToggleCount()
	m.logger.Warn("master heartbeat missed, switching bus", "active", m.active, "attempt", m.toggleCount)
	if m.onSwitch != nil {
		m.onSwitch(m.active)
	}
	m.armToggleTimer()
}

func (m *Manager) revertToDefault() {
	m.active = m.defaultBus
	m.toggleCount = 0
	m.logger.Error("redundancy master lost, reverting to default bus")
	if m.onSwitch != nil {
		m.onSwitch(m.active)
	}
	if m.onNoMaster != nil {
		m.onNoMaster()
	}
}

func (m *Manager) persistToggleCount() {
	if m.entry == nil {
		return
	}
	current, _ := m.entry.Uint16(SubToggleCount)
	m.entry.PutUint16(SubToggleCount, current+1, true)
}

func writeConfigEntry(stream *od.Stream, data []byte, countWritten *uint16) error {
	m, ok := stream.Object.(*Manager)
	if !ok {
		return od.ErrDevIncompat
	}
	switch stream.Subindex {
	case SubDefaultBus:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
		m.defaultBus = Bus(data[0])
	case SubToggleDelayFactor:
		if len(data) != 2 {
			return od.ErrTypeMismatch
		}
		m.toggleDelayFactor = uint16(data[0]) | uint16(data[1])<<8
	case SubMaxToggles:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
		m.maxToggles = data[0]
	default:
		return od.ErrUnsuppAccess
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
