package pdo

import (
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
)

// RPDO receives process data: either copying it into the OD immediately
// (asynchronous transmission type), or buffering the latest frame until the
// next SYNC (synchronous transmission type, CiA 301 §7.5.2.35).
type RPDO struct {
	d             *dispatch.Dispatcher
	pdo           *PDOCommon
	rxData        []byte
	synchronous   bool
	timeoutRx     time.Duration
	timer         dispatch.TimerHandle
	haveTimer     bool
	inTimeout     bool
	operational   bool
	receiver      dispatch.ReceiverHandle
	haveReceiver  bool
}

// handleFrame is the dispatch.FrameHandler registered for this RPDO's COB-ID.
func (rpdo *RPDO) handleFrame(frame canopen.Frame) {
	if !rpdo.pdo.Valid || !rpdo.operational {
		return
	}
	if !rpdo.validateFrameLength(frame.Length) {
		return
	}

	rpdo.restartTimeoutTimer()
	if rpdo.inTimeout {
		rpdo.pdo.emcy.ErrorReset(emBitRPDOTimeout, 0)
		rpdo.inTimeout = false
	}

	if !rpdo.synchronous {
		rpdo.copyDataToOD(frame.Data[:frame.Length])
		return
	}
	rpdo.rxData = append([]byte(nil), frame.Data[:frame.Length]...)
}

// OnSync is called directly by the sync package on every SYNC: a
// synchronous RPDO applies its most recently buffered frame at this point,
// rather than as soon as it arrives.
func (rpdo *RPDO) OnSync(uint8) {
	if rpdo.rxData == nil {
		return
	}
	data := rpdo.rxData
	rpdo.rxData = nil
	rpdo.copyDataToOD(data)
}

// Start subscribes to the RPDO's current COB-ID.
func (rpdo *RPDO) Start() {
	if rpdo.haveReceiver || rpdo.pdo.configuredID == 0 {
		return
	}
	rpdo.receiver = rpdo.d.RegisterReceiver(uint32(rpdo.pdo.configuredID), 0x7FF, false, 0, rpdo.handleFrame)
	rpdo.haveReceiver = true
}

// Stop deregisters the COB-ID subscription and any running timeout timer.
func (rpdo *RPDO) Stop() {
	if rpdo.haveReceiver {
		rpdo.d.DeregisterReceiver(rpdo.receiver)
		rpdo.haveReceiver = false
	}
	if rpdo.haveTimer {
		rpdo.d.DeregisterTimer(rpdo.timer)
		rpdo.haveTimer = false
	}
	rpdo.rxData = nil
	rpdo.inTimeout = false
}

// validateFrameLength reports whether dlc matches the mapped length, raising
// or clearing the wrong-length emergency as it goes.
func (rpdo *RPDO) validateFrameLength(dlc uint8) bool {
	expected := uint8(rpdo.pdo.dataLength)
	if dlc == expected {
		rpdo.pdo.emcy.Error(false, emBitRPDOWrongLen, emNoError, 0)
		return true
	}
	code := emPdoLength
	if dlc > expected {
		code = emPdoLengthExc
	}
	rpdo.pdo.emcy.Error(true, emBitRPDOWrongLen, code, uint32(rpdo.pdo.dataLength))
	return false
}

func (rpdo *RPDO) restartTimeoutTimer() {
	if rpdo.timeoutRx == 0 {
		return
	}
	if rpdo.haveTimer {
		rpdo.d.DeregisterTimer(rpdo.timer)
	}
	rpdo.timer = rpdo.d.RegisterTimer(rpdo.d.Now().Add(rpdo.timeoutRx), nil, rpdo.onTimeout)
	rpdo.haveTimer = true
}

func (rpdo *RPDO) onTimeout(canopen.Timestamp) {
	rpdo.haveTimer = false
	if !rpdo.operational {
		return
	}
	rpdo.inTimeout = true
	rpdo.pdo.emcy.ErrorReport(emBitRPDOTimeout, emRpdoTimeout, 0)
}

// SetOperational starts or stops reception as NMT transitions in or out of
// Operational.
func (rpdo *RPDO) SetOperational(operational bool) {
	rpdo.operational = operational
	if operational {
		rpdo.Start()
	} else {
		rpdo.Stop()
	}
}

func (rpdo *RPDO) copyDataToOD(data []byte) {
	pdo := rpdo.pdo
	offset := uint32(0)
	for i := uint8(0); i < pdo.nbMapped; i++ {
		streamer := &pdo.streamers[i]
		end := offset + streamer.DataLength
		if end > uint32(len(data)) {
			break
		}
		streamer.DataOffset = 0
		if _, err := streamer.Write(data[offset:end]); err != nil {
			pdo.logger.Warn("failed to write to OD on RPDO reception", "cobId", pdo.configuredID, "error", err)
		}
		streamer.DataOffset = streamer.DataLength
		offset = end
	}
}

func (rpdo *RPDO) configureCOBID(entry14xx *od.Entry, predefinedID uint16, erroneousMap uint32) (uint16, error) {
	pdo := rpdo.pdo
	cobID, err := entry14xx.Uint32(od.SubPdoCobId)
	if err != nil {
		pdo.logger.Error("reading cob-id failed", "index", entry14xx.Index, "error", err)
		return 0, canopen.ErrOdParameters
	}
	valid := (cobID & 0x80000000) == 0
	canID := uint16(cobID & 0x7FF)
	if erroneousMap != 0 {
		errorInfo := erroneousMap
		if erroneousMap == 1 {
			errorInfo = cobID
		}
		pdo.emcy.ErrorReport(emBitPDOWrongMap, emProtocolError, errorInfo)
		valid = false
	}
	if !valid {
		canID = 0
	}
	if canID != 0 && canID == (predefinedID&0xFF80) {
		canID = predefinedID
	}
	pdo.Valid = canID != 0
	return canID, nil
}

// NewRPDO builds an RPDO from its communication (0x14xx) and mapping (0x16xx)
// parameter records, installs their update extensions, and starts reception.
func NewRPDO(
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy EmergencyReporter,
	entry14xx *od.Entry,
	entry16xx *od.Entry,
	predefinedID uint16,
) (*RPDO, error) {
	if odict == nil || entry14xx == nil || entry16xx == nil || d == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}

	rpdo := &RPDO{d: d}
	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry16xx, true, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	rpdo.pdo = pdo

	canID, err := rpdo.configureCOBID(entry14xx, predefinedID, erroneousMap)
	if err != nil {
		return nil, err
	}

	transmissionType, err := entry14xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		rpdo.pdo.logger.Error("reading transmission type failed", "index", entry14xx.Index, "error", err)
		return nil, canopen.ErrOdParameters
	}
	rpdo.synchronous = transmissionType <= TransmissionTypeSync240

	eventTime, err := entry14xx.Uint16(od.SubPdoEventTimer)
	if err != nil {
		rpdo.pdo.logger.Warn("reading event timer failed", "index", entry14xx.Index, "error", err)
	}
	rpdo.timeoutRx = time.Duration(eventTime) * time.Millisecond

	pdo.predefinedID = predefinedID
	pdo.configuredID = canID
	entry14xx.AddExtension(rpdo, readCommParam, writeEntry14xx)
	entry16xx.AddExtension(rpdo, od.ReadEntryDefault, writeMappingParam)

	rpdo.pdo.logger.Debug("finished initializing",
		"canId", canID, "valid", pdo.Valid, "eventTime", rpdo.timeoutRx, "synchronous", rpdo.synchronous)
	return rpdo, nil
}
