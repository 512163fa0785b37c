// Package emergency implements the CANopen EMCY service (CiA 301 §7.2.7):
// an error-bit/error-register producer that queues, paces (inhibit time),
// and transmits emergency messages, a 0x1003 pre-defined error field ring
// buffer, and a consumer callback for received emergencies. Grounded on
// the teacher's pkg/emergency, redriven by a dispatch.Dispatcher timer for
// inhibit-time pacing instead of a host-polled Process call.
package emergency

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
)

const ServiceId uint32 = 0x80

// EmergencyErrorStatusBits is the size, in bits, of the manufacturer-specific
// error status bitfield optionally exposed alongside the error register.
const EmergencyErrorStatusBits = 80

// Error register bits (CiA 301 §7.5.2.3, object 0x1001).
const (
	ErrRegGeneric       = 0x01
	ErrRegCurrent       = 0x02
	ErrRegVoltage       = 0x04
	ErrRegTemperature   = 0x08
	ErrRegCommunication = 0x10
	ErrRegDevProfile    = 0x20
	ErrRegReserved      = 0x40
	ErrRegManufacturer  = 0x80
)

// Error codes (CiA 301 §7.2.7.1, Table 27).
const (
	ErrNoError          uint16 = 0x0000
	ErrGeneric          uint16 = 0x1000
	ErrCurrent          uint16 = 0x2000
	ErrVoltage          uint16 = 0x3000
	ErrTemperature      uint16 = 0x4000
	ErrHardware         uint16 = 0x5000
	ErrSoftwareDevice   uint16 = 0x6000
	ErrSoftwareInternal uint16 = 0x6100
	ErrDataSet          uint16 = 0x6300
	ErrMonitoring       uint16 = 0x8000
	ErrCommunication    uint16 = 0x8100
	ErrCanOverrun       uint16 = 0x8110
	ErrCanPassive       uint16 = 0x8120
	ErrHeartbeat        uint16 = 0x8130
	ErrBusOffRecovered  uint16 = 0x8140
	ErrProtocolError    uint16 = 0x8200
	ErrPdoLength        uint16 = 0x8210
	ErrPdoLengthExc     uint16 = 0x8220
	ErrSyncDataLength   uint16 = 0x8240
	ErrRpdoTimeout      uint16 = 0x8250
	ErrExternalError    uint16 = 0x9000
)

// Error status bits (CiA 301 §7.2.7.2, Table 28), set/reset via Error.
const (
	EmNoError                 uint8 = 0x00
	EmCanBusWarning           uint8 = 0x01
	EmRxMsgWrongLength        uint8 = 0x02
	EmRxMsgOverflow           uint8 = 0x03
	EmRPDOWrongLength         uint8 = 0x04
	EmRPDOOverflow            uint8 = 0x05
	EmCanRXBusPassive         uint8 = 0x06
	EmCanTXBusPassive         uint8 = 0x07
	EmNMTWrongCommand         uint8 = 0x08
	EmTimeTimeout             uint8 = 0x09
	EmCanTXBusOff             uint8 = 0x12
	EmCanRXBOverflow          uint8 = 0x13
	EmCanTXOverflow           uint8 = 0x14
	EmTPDOOutsideWindow       uint8 = 0x15
	EmRPDOTimeOut             uint8 = 0x17
	EmSyncTimeOut             uint8 = 0x18
	EmSyncLength              uint8 = 0x19
	EmPDOWrongMapping         uint8 = 0x1A
	EmHeartbeatConsumer       uint8 = 0x1B
	EmHBConsumerRemoteReset   uint8 = 0x1C
	EmEmergencyBufferFull     uint8 = 0x20
	EmMicrocontrollerReset    uint8 = 0x22
	EmNonVolatileAutoSave     uint8 = 0x27
	EmWrongErrorReport        uint8 = 0x28
	EmGenericError            uint8 = 0x2B
	EmGenericSoftwareError    uint8 = 0x2C
	EmInconsistentObjectDict  uint8 = 0x2D
	EmCalculationOfParameters uint8 = 0x2E
	EmNonVolatileMemory       uint8 = 0x2F
	EmManufacturerStart       uint8 = 0x30
	EmManufacturerEnd         uint8 = EmergencyErrorStatusBits - 1
)

var errorStatusDescriptions = map[uint8]string{
	EmNoError:               "error reset or no error",
	EmCanBusWarning:         "CAN bus warning limit reached",
	EmRxMsgWrongLength:      "wrong data length of received CAN message",
	EmRPDOWrongLength:       "wrong data length of received PDO",
	EmCanRXBusPassive:       "CAN receive bus is passive",
	EmCanTXBusPassive:       "CAN transmit bus is passive",
	EmNMTWrongCommand:       "wrong NMT command received",
	EmTimeTimeout:           "TIME message timeout",
	EmCanTXBusOff:           "CAN transmit bus is off",
	EmTPDOOutsideWindow:     "TPDO is outside SYNC window",
	EmRPDOTimeOut:           "RPDO message timeout",
	EmSyncTimeOut:           "SYNC message timeout",
	EmSyncLength:            "unexpected SYNC data length",
	EmPDOWrongMapping:       "error with PDO mapping",
	EmHeartbeatConsumer:     "heartbeat consumer timeout",
	EmHBConsumerRemoteReset: "heartbeat consumer detected remote node reset",
	EmEmergencyBufferFull:   "emergency buffer is full, message not sent",
	EmMicrocontrollerReset:  "device has just started",
	EmWrongErrorReport:      "wrong parameters to ErrorReport",
}

func describeErrorStatus(bit uint8) string {
	if d, ok := errorStatusDescriptions[bit]; ok {
		return d
	}
	if bit >= EmManufacturerStart && bit <= EmManufacturerEnd {
		return "manufacturer error"
	}
	return "unspecified error status"
}

// fifoEntry is one slot of the 0x1003 pre-defined error field ring.
type fifoEntry struct {
	msg  uint32 // errorBit<<24 | errorCode
	info uint32
}

// RxCallback is invoked for every emergency received, including this node's
// own (ident 0), after it has been sent.
type RxCallback func(ident uint16, errorCode uint16, errorRegister uint8, errorBit uint8, infoCode uint32)

// Producer implements the EMCY producer and consumer for one node. It owns
// no thread: Error enqueues and attempts an immediate send, an inhibit-time
// dispatcher timer paces further sends, and Handle processes received
// frames for the consumer side.
type Producer struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	nodeId uint8

	errorStatusBits [EmergencyErrorStatusBits / 8]byte
	entry1001       *od.Entry

	fifo      []fifoEntry
	fifoWr    uint8
	fifoRd    uint8
	fifoCount uint8
	overflow  bool

	txCobId         uint32
	producerEnabled bool
	producerIdent   uint16

	inhibitTime   time.Duration
	inhibitActive bool
	inhibitTimer  dispatch.TimerHandle
	haveTimer     bool

	rxCallback RxCallback

	receiver    dispatch.ReceiverHandle
	haveReceiver bool
}

// Error sets or resets an error condition. A no-op if the bit is already in
// the requested state. Unsupported bits are folded into EmWrongErrorReport
// per CiA 301.
func (em *Producer) Error(setError bool, errorBit uint8, errorCode uint16, infoCode uint32) {
	if len(em.errorStatusBits) == 0 {
		// errorStatusBits is a fixed-size array, so this branch never runs;
		// it is a guard for a zero-size status field, where there would be
		// nothing to track duplicate state against and every call would
		// degrade to an unconditional enqueue.
		if !setError {
			errorCode = ErrNoError
		}
		em.enqueue(errorBit, errorCode, infoCode)
		em.trySend()
		return
	}

	index := errorBit >> 3
	mask := byte(1) << (errorBit & 0x7)

	if int(index) >= len(em.errorStatusBits) {
		index = EmWrongErrorReport >> 3
		mask = 1 << (EmWrongErrorReport & 0x7)
		errorCode = ErrSoftwareInternal
		infoCode = uint32(errorBit)
		errorBit = EmWrongErrorReport
	}

	already := em.errorStatusBits[index]&mask != 0
	if setError == already {
		return
	}
	if setError {
		em.errorStatusBits[index] |= mask
	} else {
		em.errorStatusBits[index] &^= mask
		errorCode = ErrNoError
	}

	if em.entry1001 != nil {
		var reg byte
		for _, b := range em.errorStatusBits {
			if b != 0 {
				reg |= ErrRegGeneric
			}
		}
		if em.errorStatusBits[2]|em.errorStatusBits[3] != 0 {
			reg |= ErrRegCommunication
		}
		_ = em.entry1001.PutUint8(0, reg, true)
	}

	em.enqueue(errorBit, errorCode, infoCode)
	em.trySend()
}

// ErrorReport logs and sets an error condition.
func (em *Producer) ErrorReport(errorBit uint8, errorCode uint16, infoCode uint32) {
	em.logger.Warn("emergency reported", "bit", describeErrorStatus(errorBit), "code", errorCode, "info", infoCode)
	em.Error(true, errorBit, errorCode, infoCode)
}

// ErrorReset logs and clears an error condition.
func (em *Producer) ErrorReset(errorBit uint8, infoCode uint32) {
	em.logger.Info("emergency reset", "bit", describeErrorStatus(errorBit), "info", infoCode)
	em.Error(false, errorBit, ErrNoError, infoCode)
}

func (em *Producer) enqueue(errorBit uint8, errorCode uint16, infoCode uint32) {
	if len(em.fifo) < 2 {
		return
	}
	next := em.fifoWr + 1
	if int(next) >= len(em.fifo) {
		next = 0
	}
	if next == em.fifoRd && em.fifoCount != 0 {
		em.overflow = true
		return
	}
	em.fifo[em.fifoWr] = fifoEntry{msg: uint32(errorBit)<<24 | uint32(errorCode), info: infoCode}
	em.fifoWr = next
	if int(em.fifoCount) < len(em.fifo)-1 {
		em.fifoCount++
	}
}

// trySend drains one queued entry if the inhibit timer is not currently
// running, and (re)arms the inhibit timer for the next drain attempt.
func (em *Producer) trySend() {
	if !em.producerEnabled || em.inhibitActive || em.fifoCount == 0 {
		return
	}
	entry := em.fifo[em.fifoRd]
	em.fifoRd++
	if int(em.fifoRd) >= len(em.fifo) {
		em.fifoRd = 0
	}
	em.fifoCount--

	errorRegister := em.GetErrorRegister()
	frame := canopen.New(em.txCobId, 0, 8)
	binary.LittleEndian.PutUint32(frame.Data[0:4], entry.msg)
	frame.Data[2] = errorRegister
	binary.LittleEndian.PutUint32(frame.Data[4:8], entry.info)
	_ = em.d.Send(frame)

	if em.rxCallback != nil {
		em.rxCallback(0, uint16(entry.msg), errorRegister, uint8(entry.msg>>24), entry.info)
	}

	if em.overflow && em.fifoCount == 0 {
		em.overflow = false
		em.ErrorReset(EmEmergencyBufferFull, 0)
	}

	if em.inhibitTime > 0 {
		if em.haveTimer {
			em.d.DeregisterTimer(em.inhibitTimer)
		}
		em.inhibitActive = true
		em.inhibitTimer = em.d.RegisterTimer(em.d.Now().Add(em.inhibitTime), nil, em.onInhibitElapsed)
		em.haveTimer = true
	}
}

func (em *Producer) onInhibitElapsed(canopen.Timestamp) {
	em.haveTimer = false
	em.inhibitActive = false
	em.trySend()
}

// Handle processes a received EMCY CAN frame (consumer side).
func (em *Producer) Handle(frame canopen.Frame) {
	if em.rxCallback == nil || frame.Length != 8 {
		return
	}
	errorCode := binary.LittleEndian.Uint16(frame.Data[0:2])
	infoCode := binary.LittleEndian.Uint32(frame.Data[4:8])
	em.rxCallback(uint16(frame.ID), errorCode, frame.Data[2], frame.Data[3], infoCode)
}

// IsError reports whether errorBit is currently set.
func (em *Producer) IsError(errorBit uint8) bool {
	if em == nil {
		return true
	}
	index := errorBit >> 3
	if int(index) >= len(em.errorStatusBits) {
		return true
	}
	return em.errorStatusBits[index]&(1<<(errorBit&0x7)) != 0
}

// GetErrorRegister returns the current 0x1001 value.
func (em *Producer) GetErrorRegister() byte {
	if em == nil || em.entry1001 == nil {
		return 0
	}
	v, err := em.entry1001.Uint8(0)
	if err != nil {
		return 0
	}
	return v
}

// ProducerEnabled reports whether this node currently produces emergencies.
func (em *Producer) ProducerEnabled() bool { return em.producerEnabled }

// SetCallback installs the consumer callback, invoked for every emergency
// received or transmitted (ident 0 for self-transmitted).
func (em *Producer) SetCallback(callback RxCallback) {
	em.rxCallback = callback
}

// Close deregisters the consumer receiver and any pending inhibit timer.
func (em *Producer) Close() {
	if em.haveReceiver {
		em.d.DeregisterReceiver(em.receiver)
		em.haveReceiver = false
	}
	if em.haveTimer {
		em.d.DeregisterTimer(em.inhibitTimer)
		em.haveTimer = false
	}
}

// NewForLogging builds a Producer usable only for ErrorReport/ErrorReset
// side-effect-free logging (no OD wiring, no bus access), for components
// constructed before a node's OD/dispatcher are available.
func NewForLogging(logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{logger: logger}
}

// New builds a full Producer wired to entry1001 (error register, read-only
// mirror), entry1014 (producer COB-ID), entry1015 (inhibit time), entry1003
// (pre-defined error field ring), and optionally entryStatusBits (a
// manufacturer-specific error-status bitfield mirror).
func New(
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	nodeId uint8,
	entry1001 *od.Entry,
	entry1014 *od.Entry,
	entry1015 *od.Entry,
	entry1003 *od.Entry,
	entryStatusBits *od.Entry,
) (*Producer, error) {
	if d == nil || entry1014 == nil || entry1003 == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	em := &Producer{d: d, logger: logger.With("service", "emcy"), nodeId: nodeId}

	fifoSize := entry1003.SubCount()
	if fifoSize < 2 {
		fifoSize = 2
	}
	em.fifo = make([]fifoEntry, fifoSize)

	cobIdEmergency, err := entry1014.Uint32(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	producerCanId := cobIdEmergency & 0x7FF
	em.producerEnabled = (cobIdEmergency&0x80000000) == 0 && producerCanId != 0
	em.producerIdent = uint16(producerCanId)
	if producerCanId == ServiceId {
		producerCanId += uint32(nodeId)
	}
	em.txCobId = producerCanId
	entry1014.AddExtension(em, od.ReadEntryDefault, writeEntry1014)

	if entry1015 != nil {
		inhibit100us, err := entry1015.Uint16(0)
		if err == nil {
			em.inhibitTime = time.Duration(inhibit100us) * 100 * time.Microsecond
			entry1015.AddExtension(em, od.ReadEntryDefault, writeEntry1015)
		}
	}
	entry1003.AddExtension(em, readEntry1003, writeEntry1003)
	if entryStatusBits != nil {
		entryStatusBits.AddExtension(em, readEntryStatusBits, writeEntryStatusBits)
	}
	em.entry1001 = entry1001

	em.receiver = d.RegisterReceiver(ServiceId, 0x780, false, 0, em.Handle)
	em.haveReceiver = true
	return em, nil
}
