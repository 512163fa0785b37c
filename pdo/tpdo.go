package pdo

import (
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
)

const (
	syncCounterReset        = 255
	syncCounterWaitForStart = 254
)

// TPDO transmits process data on SYNC, on an event timer, or on demand,
// subject to an inhibit time floor between consecutive transmissions.
type TPDO struct {
	d                *dispatch.Dispatcher
	pdo              *PDOCommon
	txFrame          canopen.Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTime      time.Duration
	eventTime        time.Duration
	inhibitTimer     dispatch.TimerHandle
	haveInhibitTimer bool
	eventTimer       dispatch.TimerHandle
	haveEventTimer   bool
	inhibitActive    bool
	operational      bool
}

// send emits the current mapped values as one CAN frame, if the TPDO is
// validly configured.
func (tpdo *TPDO) send() error {
	pdo := tpdo.pdo
	if !pdo.Valid {
		return nil
	}

	totalRead := 0
	for i := uint8(0); i < pdo.nbMapped; i++ {
		streamer := &pdo.streamers[i]
		mappedLength := streamer.DataOffset
		streamer.DataOffset = 0
		_, err := streamer.Read(tpdo.txFrame.Data[totalRead:])
		streamer.DataOffset = mappedLength
		if err != nil {
			pdo.logger.Warn("failed to send", "cobId", pdo.configuredID, "error", err)
			return err
		}
		totalRead += int(mappedLength)
	}
	tpdo.sendRequest = false
	tpdo.restartEventTimer()
	tpdo.startInhibitTimer()
	return tpdo.d.Send(tpdo.txFrame)
}

// checkAndSend defers to the inhibit timer if one is currently running,
// otherwise sends immediately.
func (tpdo *TPDO) checkAndSend() {
	if tpdo.inhibitActive {
		tpdo.sendRequest = true
		return
	}
	_ = tpdo.send()
}

// SendAsync requests an event-driven transmission at the next opportunity;
// only meaningful for event/acyclic-synchronous transmission types.
func (tpdo *TPDO) SendAsync() {
	tpdo.checkAndSend()
}

// OnSync is called directly by the sync package (no subscription channel,
// per the passive redesign) on every received/produced SYNC, carrying the
// sync package's own counter value (0 before the first SYNC is counted).
func (tpdo *TPDO) OnSync(counter uint8) {
	isAcyclic := tpdo.transmissionType == TransmissionTypeSyncAcyclic
	if isAcyclic {
		if tpdo.sendRequest {
			_ = tpdo.send()
		}
		return
	}
	if tpdo.transmissionType > TransmissionTypeSync240 {
		return // event-driven, not SYNC-driven
	}

	if tpdo.syncCounter == syncCounterReset {
		if tpdo.syncStartValue != 0 {
			tpdo.syncCounter = syncCounterWaitForStart
		} else {
			tpdo.syncCounter = tpdo.transmissionType
		}
	}

	switch tpdo.syncCounter {
	case syncCounterWaitForStart:
		if counter == tpdo.syncStartValue {
			tpdo.syncCounter = tpdo.transmissionType
			_ = tpdo.send()
		}
	case 1:
		tpdo.syncCounter = tpdo.transmissionType
		_ = tpdo.send()
	default:
		tpdo.syncCounter--
	}
}

// SetOperational starts or stops the TPDO's timers as NMT transitions in or
// out of Operational (CiA 301 §7.3.3: PDOs are only active in Operational).
func (tpdo *TPDO) SetOperational(operational bool) {
	tpdo.operational = operational
	if operational {
		tpdo.restartEventTimer()
		return
	}
	if tpdo.haveEventTimer {
		tpdo.d.DeregisterTimer(tpdo.eventTimer)
		tpdo.haveEventTimer = false
	}
	if tpdo.haveInhibitTimer {
		tpdo.d.DeregisterTimer(tpdo.inhibitTimer)
		tpdo.haveInhibitTimer = false
	}
	tpdo.inhibitActive = false
}

func (tpdo *TPDO) startInhibitTimer() {
	if tpdo.inhibitTime == 0 {
		return
	}
	if tpdo.haveInhibitTimer {
		tpdo.d.DeregisterTimer(tpdo.inhibitTimer)
	}
	tpdo.inhibitActive = true
	tpdo.inhibitTimer = tpdo.d.RegisterTimer(tpdo.d.Now().Add(tpdo.inhibitTime), nil, tpdo.onInhibitElapsed)
	tpdo.haveInhibitTimer = true
}

func (tpdo *TPDO) onInhibitElapsed(canopen.Timestamp) {
	tpdo.haveInhibitTimer = false
	tpdo.inhibitActive = false
	if tpdo.operational && tpdo.sendRequest {
		_ = tpdo.send()
	}
}

func (tpdo *TPDO) restartEventTimer() {
	if tpdo.eventTime == 0 {
		return
	}
	if tpdo.haveEventTimer {
		tpdo.d.DeregisterTimer(tpdo.eventTimer)
	}
	tpdo.eventTimer = tpdo.d.RegisterTimer(tpdo.d.Now().Add(tpdo.eventTime), nil, tpdo.onEventElapsed)
	tpdo.haveEventTimer = true
}

func (tpdo *TPDO) onEventElapsed(canopen.Timestamp) {
	tpdo.haveEventTimer = false
	tpdo.sendRequest = true
	if tpdo.operational && !tpdo.inhibitActive {
		_ = tpdo.send()
	}
}

func (tpdo *TPDO) configureTransmissionType(entry18xx *od.Entry) error {
	transmissionType, err := entry18xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		tpdo.pdo.logger.Error("reading transmission type failed", "index", entry18xx.Index, "error", err)
		return canopen.ErrOdParameters
	}
	if transmissionType > TransmissionTypeSync240 && transmissionType < TransmissionTypeSyncEventLo {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType
	tpdo.sendRequest = true
	return nil
}

func (tpdo *TPDO) configureCOBID(entry18xx *od.Entry, predefinedID uint16, erroneousMap uint32) (uint16, error) {
	pdo := tpdo.pdo
	cobID, err := entry18xx.Uint32(od.SubPdoCobId)
	if err != nil {
		pdo.logger.Error("reading cob-id failed", "index", entry18xx.Index, "error", err)
		return 0, canopen.ErrOdParameters
	}
	valid := (cobID & 0x80000000) == 0
	canID := uint16(cobID & 0x7FF)
	if valid && (pdo.nbMapped == 0 || canID == 0) {
		valid = false
		if erroneousMap == 0 {
			erroneousMap = 1
		}
	}
	if erroneousMap != 0 {
		errorInfo := erroneousMap
		if erroneousMap == 1 {
			errorInfo = cobID
		}
		pdo.emcy.ErrorReport(emBitPDOWrongMap, emProtocolError, errorInfo)
	}
	if !valid {
		canID = 0
	}
	if canID != 0 && canID == (predefinedID&0xFF80) {
		canID = predefinedID
	}
	tpdo.txFrame = canopen.New(uint32(canID), 0, uint8(pdo.dataLength))
	pdo.Valid = valid
	return canID, nil
}

// NewTPDO builds a TPDO from its communication (0x18xx) and mapping (0x1Axx)
// parameter records and installs their update extensions.
func NewTPDO(
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy EmergencyReporter,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedID uint16,
) (*TPDO, error) {
	if odict == nil || entry18xx == nil || entry1Axx == nil || d == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}

	tpdo := &TPDO{d: d}
	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry1Axx, false, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	tpdo.pdo = pdo

	if err := tpdo.configureTransmissionType(entry18xx); err != nil {
		return nil, err
	}
	canID, err := tpdo.configureCOBID(entry18xx, predefinedID, erroneousMap)
	if err != nil {
		return nil, err
	}

	inhibitTime, err := entry18xx.Uint16(od.SubPdoInhibitTime)
	if err != nil {
		tpdo.pdo.logger.Warn("reading inhibit time failed", "index", entry18xx.Index, "error", err)
	}
	tpdo.inhibitTime = time.Duration(inhibitTime) * 100 * time.Microsecond

	eventTime, err := entry18xx.Uint16(od.SubPdoEventTimer)
	if err != nil {
		tpdo.pdo.logger.Warn("reading event timer failed", "index", entry18xx.Index, "error", err)
	}
	tpdo.eventTime = time.Duration(eventTime) * time.Millisecond

	tpdo.syncStartValue, err = entry18xx.Uint8(od.SubPdoSyncStart)
	if err != nil {
		tpdo.pdo.logger.Warn("reading sync start value failed", "index", entry18xx.Index, "error", err)
	}
	tpdo.syncCounter = syncCounterReset

	pdo.predefinedID = predefinedID
	pdo.configuredID = canID
	entry18xx.AddExtension(tpdo, readCommParam, writeEntry18xx)
	entry1Axx.AddExtension(tpdo, od.ReadEntryDefault, writeMappingParam)

	tpdo.pdo.logger.Debug("finished initializing",
		"canId", canID, "valid", pdo.Valid, "inhibitTime", tpdo.inhibitTime,
		"eventTime", tpdo.eventTime, "transmissionType", tpdo.transmissionType)
	return tpdo, nil
}
