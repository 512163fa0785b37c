package sdo

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/internal/crc"
	"github.com/samsamfire/gocanopen-core/od"
)

type serverState uint8

const (
	serverIdle serverState = iota
	serverDownloadSegment
	serverUploadSegment
	serverDownloadBlockSubblock
	serverDownloadBlockEnd
	serverUploadBlockSubblock
	serverUploadBlockEnd
)

// Server is a single CANopen SDO server instance (CiA 301 §7.2.4), servicing
// one client at a time per spec.md §3/§8 ("one active session per server").
// It is driven entirely by frames SubmitFrame hands it via its receiver and
// by the timeout timer it registers with the dispatcher — it owns no thread.
type Server struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	dictionary *od.ObjectDictionary
	nodeID     uint8
	rxCobID    uint32
	txCobID    uint32
	timeout    time.Duration

	receiver dispatch.ReceiverHandle
	timer    *dispatch.TimerHandle

	state    serverState
	index    uint16
	subIndex uint8
	toggle   uint8
	streamer od.Streamer

	totalSize   uint32
	transferred uint32

	blockCRCEnabled bool
	blockSize       uint8
	blockSeq        uint8
	blockData       []byte
}

// NewServer creates a server for the given node ID using the predefined
// connection set COB-IDs (0x600+id request, 0x580+id response). It registers
// its receiver immediately; Close deregisters it.
func NewServer(dispatcher *dispatch.Dispatcher, dictionary *od.ObjectDictionary, nodeID uint8, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:     logger.With("component", "sdo-server", "node", nodeID),
		dispatcher: dispatcher,
		dictionary: dictionary,
		nodeID:     nodeID,
		rxCobID:    ClientBaseID + uint32(nodeID),
		txCobID:    ServerBaseID + uint32(nodeID),
		timeout:    DefaultServerTimeoutMs * time.Millisecond,
	}
	s.receiver = dispatcher.RegisterReceiver(s.rxCobID, canopen.StandardIDMask, false, 0, s.onFrame)
	return s
}

// Close deregisters the server's receiver and any pending timeout timer.
func (s *Server) Close() {
	s.dispatcher.DeregisterReceiver(s.receiver)
	s.clearTimer()
}

func (s *Server) clearTimer() {
	if s.timer != nil {
		s.dispatcher.DeregisterTimer(*s.timer)
		s.timer = nil
	}
}

func (s *Server) armTimeout() {
	s.clearTimer()
	h := s.dispatcher.RegisterTimer(s.dispatcher.Now().Add(s.timeout), nil, s.onTimeout)
	s.timer = &h
}

func (s *Server) onTimeout(now canopen.Timestamp) {
	if s.state == serverIdle {
		return
	}
	s.logger.Warn("sdo server transfer timed out", "index", s.index, "subIndex", s.subIndex)
	s.sendAbort(s.index, s.subIndex, AbortTimeout)
	s.reset()
}

func (s *Server) reset() {
	s.state = serverIdle
	s.streamer = od.Streamer{}
	s.transferred = 0
	s.totalSize = 0
	s.blockData = nil
	s.blockSeq = 0
	s.clearTimer()
}

func (s *Server) send(data [8]byte) {
	frame := canopen.New(s.txCobID, 0, 8)
	copy(frame.Data[:], data[:])
	if err := s.dispatcher.Send(frame); err != nil {
		s.logger.Error("failed to send sdo response", "error", err)
	}
}

func (s *Server) sendAbort(index uint16, subIndex uint8, code AbortCode) {
	s.send(buildAbort(index, subIndex, code))
}

func (s *Server) onFrame(f canopen.Frame) {
	if f.Length < 8 {
		return
	}
	data := f.Data[:8]

	if s.state == serverIdle {
		s.handleInitiate(data)
		return
	}

	switch s.state {
	case serverDownloadSegment:
		s.handleDownloadSegment(data)
	case serverUploadSegment:
		s.handleUploadSegmentRequest(data)
	case serverDownloadBlockSubblock:
		s.handleDownloadSubBlock(data)
	case serverDownloadBlockEnd:
		s.handleDownloadBlockEnd(data)
	case serverUploadBlockSubblock:
		s.handleUploadBlockAck(data)
	case serverUploadBlockEnd:
		// Client's final ack of the end-upload response; nothing more to do.
		s.reset()
	default:
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
	}
}

func (s *Server) handleInitiate(data []byte) {
	ccs := data[0] & 0xE0
	index, subIndex := parseMultiplexer(data)

	switch ccs {
	case ccsDownloadInitiate:
		s.beginDownload(index, subIndex, data)
	case ccsUploadInitiate:
		s.beginUpload(index, subIndex)
	case ccsBlockDownload:
		if data[0]&0x03 == blockCmdInitiate {
			s.beginBlockDownload(index, subIndex, data)
		} else {
			s.sendAbort(index, subIndex, AbortCmd)
		}
	case ccsBlockUpload:
		if data[0]&0x03 == blockCmdInitiate {
			s.beginBlockUpload(index, subIndex, data)
		} else {
			s.sendAbort(index, subIndex, AbortCmd)
		}
	default:
		s.sendAbort(index, subIndex, AbortCmd)
	}
}

func (s *Server) openStreamer(index uint16, subIndex uint8, required uint8) (od.Streamer, bool) {
	entry := s.dictionary.Index(index)
	streamer, err := od.NewStreamer(entry, subIndex, false)
	if err != nil {
		s.sendAbort(index, subIndex, FromODR(err.(od.ODR)))
		return od.Streamer{}, false
	}
	if !streamer.HasAttribute(required) {
		code := AbortUnsupportedAccess
		if required == od.AttributeSdoW {
			code = AbortReadOnly
		} else if required == od.AttributeSdoR {
			code = AbortWriteOnly
		}
		s.sendAbort(index, subIndex, code)
		return od.Streamer{}, false
	}
	return streamer, true
}

// --- Download (client writes to server) ---

func (s *Server) beginDownload(index uint16, subIndex uint8, data []byte) {
	streamer, ok := s.openStreamer(index, subIndex, od.AttributeSdoW)
	if !ok {
		return
	}

	expedited := data[0]&0x02 != 0
	sizeIndicated := data[0]&0x01 != 0

	if expedited {
		n := int(streamer.DataLength)
		if sizeIndicated {
			n = int(4 - ((data[0] >> 2) & 0x03))
		}
		if n > 4 || n < 0 {
			s.sendAbort(index, subIndex, AbortDataLong)
			return
		}
		if _, err := streamer.Write(data[4 : 4+n]); err != nil {
			s.sendAbort(index, subIndex, FromODR(err.(od.ODR)))
			return
		}
		var resp [8]byte
		resp[0] = scsDownloadInitiate
		buildMultiplexer(resp[:], index, subIndex)
		s.send(resp)
		return
	}

	s.index, s.subIndex = index, subIndex
	s.streamer = streamer
	s.toggle = 0
	s.transferred = 0
	if sizeIndicated {
		s.totalSize = binary.LittleEndian.Uint32(data[4:8])
	}
	s.state = serverDownloadSegment
	s.armTimeout()

	var resp [8]byte
	resp[0] = scsDownloadInitiate
	buildMultiplexer(resp[:], index, subIndex)
	s.send(resp)
}

func (s *Server) handleDownloadSegment(data []byte) {
	if data[0]&0xE0 != ccsDownloadSegment {
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
		return
	}
	toggle := (data[0] >> 4) & 0x01
	if toggle != s.toggle {
		s.sendAbort(s.index, s.subIndex, AbortToggleBit)
		s.reset()
		return
	}
	last := data[0]&0x01 != 0
	n := 7 - int((data[0]>>1)&0x07)

	if _, err := s.streamer.Write(data[1 : 1+n]); err != nil {
		s.sendAbort(s.index, s.subIndex, FromODR(err.(od.ODR)))
		s.reset()
		return
	}
	s.transferred += uint32(n)
	s.toggle ^= 1

	var resp [8]byte
	resp[0] = scsDownloadSegment | toggle<<4
	s.send(resp)

	if last {
		s.reset()
		return
	}
	s.armTimeout()
}

// --- Upload (client reads from server) ---

func (s *Server) beginUpload(index uint16, subIndex uint8) {
	streamer, ok := s.openStreamer(index, subIndex, od.AttributeSdoR)
	if !ok {
		return
	}

	size := streamer.DataLength
	if size <= 4 {
		buf := make([]byte, size)
		if _, err := streamer.Read(buf); err != nil && err != od.ErrPartial {
			s.sendAbort(index, subIndex, FromODR(err.(od.ODR)))
			return
		}
		var resp [8]byte
		resp[0] = scsUploadInitiate | byte(4-size)<<2 | 0x02 | 0x01
		buildMultiplexer(resp[:], index, subIndex)
		copy(resp[4:4+size], buf)
		s.send(resp)
		return
	}

	s.index, s.subIndex = index, subIndex
	s.streamer = streamer
	s.toggle = 0
	s.state = serverUploadSegment
	s.armTimeout()

	var resp [8]byte
	resp[0] = scsUploadInitiate | 0x01
	buildMultiplexer(resp[:], index, subIndex)
	binary.LittleEndian.PutUint32(resp[4:8], size)
	s.send(resp)
}

func (s *Server) handleUploadSegmentRequest(data []byte) {
	if data[0]&0xEF != ccsUploadSegment {
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
		return
	}
	toggle := (data[0] >> 4) & 0x01
	if toggle != s.toggle {
		s.sendAbort(s.index, s.subIndex, AbortToggleBit)
		s.reset()
		return
	}

	buf := make([]byte, 7)
	n, err := s.streamer.Read(buf)
	last := err == nil
	if err != nil && err != od.ErrPartial {
		s.sendAbort(s.index, s.subIndex, FromODR(err.(od.ODR)))
		s.reset()
		return
	}

	var resp [8]byte
	resp[0] = toggle<<4 | byte(7-n)<<1
	if last {
		resp[0] |= 0x01
	}
	copy(resp[1:1+n], buf[:n])
	s.send(resp)
	s.toggle ^= 1

	if last {
		s.reset()
		return
	}
	s.armTimeout()
}

// --- Block download (client writes a large value in 127-segment sub-blocks) ---

func (s *Server) beginBlockDownload(index uint16, subIndex uint8, data []byte) {
	streamer, ok := s.openStreamer(index, subIndex, od.AttributeSdoW)
	if !ok {
		return
	}

	s.index, s.subIndex = index, subIndex
	s.streamer = streamer
	s.blockCRCEnabled = data[0]&blockCCIndicated != 0
	s.blockData = s.blockData[:0]
	s.blockSeq = 0
	s.blockSize = 127
	if data[0]&blockSizeIndicated != 0 {
		s.totalSize = binary.LittleEndian.Uint32(data[4:8])
	}
	s.state = serverDownloadBlockSubblock
	s.armTimeout()

	var resp [8]byte
	resp[0] = scsBlockDownload | blockCmdInitiate
	if s.blockCRCEnabled {
		resp[0] |= blockCCIndicated
	}
	buildMultiplexer(resp[:], index, subIndex)
	resp[4] = s.blockSize
	s.send(resp)
}

func (s *Server) handleDownloadSubBlock(data []byte) {
	seqno := data[0] &^ blockSubBlockEnd
	last := data[0]&blockSubBlockEnd != 0

	if seqno != s.blockSeq+1 {
		s.sendAbort(s.index, s.subIndex, AbortSeqNum)
		s.reset()
		return
	}
	s.blockData = append(s.blockData, data[1:8]...)
	s.blockSeq = seqno

	if !last && seqno < s.blockSize {
		s.armTimeout()
		return
	}

	var resp [8]byte
	resp[0] = scsBlockDownload | blockCmdAck
	resp[1] = s.blockSeq
	resp[2] = s.blockSize
	s.send(resp)
	s.blockSeq = 0

	if last {
		s.state = serverDownloadBlockEnd
	}
	s.armTimeout()
}

func (s *Server) handleDownloadBlockEnd(data []byte) {
	if data[0]&0xE0 != ccsBlockDownload || data[0]&0x03 != blockCmdEnd {
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
		return
	}
	n := int((data[0] >> 2) & 0x07)
	total := len(s.blockData) - n
	if total < 0 {
		s.sendAbort(s.index, s.subIndex, AbortSeqNum)
		s.reset()
		return
	}
	payload := s.blockData[:total]

	if s.blockCRCEnabled {
		expected := binary.LittleEndian.Uint16(data[1:3])
		var c crc.CRC16
		c.Block(payload)
		if uint16(c) != expected {
			s.sendAbort(s.index, s.subIndex, AbortCRC)
			s.reset()
			return
		}
	}

	if _, err := s.streamer.Write(payload); err != nil {
		s.sendAbort(s.index, s.subIndex, FromODR(err.(od.ODR)))
		s.reset()
		return
	}

	var resp [8]byte
	resp[0] = scsBlockDownload | blockCmdEnd
	s.send(resp)
	s.reset()
}

// --- Block upload (client reads a large value in 127-segment sub-blocks) ---

func (s *Server) beginBlockUpload(index uint16, subIndex uint8, data []byte) {
	streamer, ok := s.openStreamer(index, subIndex, od.AttributeSdoR)
	if !ok {
		return
	}

	buf := make([]byte, streamer.DataLength)
	if _, err := streamer.Read(buf); err != nil && err != od.ErrPartial {
		s.sendAbort(index, subIndex, FromODR(err.(od.ODR)))
		return
	}

	s.index, s.subIndex = index, subIndex
	s.blockCRCEnabled = data[0]&blockCCIndicated != 0
	s.blockData = buf
	s.transferred = 0
	s.blockSize = data[4]
	if s.blockSize == 0 {
		s.blockSize = 127
	}

	var resp [8]byte
	resp[0] = scsBlockUpload | blockSizeIndicated | blockCmdInitiate
	if s.blockCRCEnabled {
		resp[0] |= blockCCIndicated
	}
	buildMultiplexer(resp[:], index, subIndex)
	binary.LittleEndian.PutUint32(resp[4:8], uint32(len(buf)))
	s.send(resp)

	s.state = serverUploadBlockSubblock
	s.sendUploadSubBlock()
}

func (s *Server) sendUploadSubBlock() {
	for seq := uint8(1); seq <= s.blockSize; seq++ {
		start := int(s.transferred)
		if start >= len(s.blockData) {
			break
		}
		end := start + 7
		last := false
		if end >= len(s.blockData) {
			end = len(s.blockData)
			last = true
		}
		var resp [8]byte
		resp[0] = seq
		if last {
			resp[0] |= blockSubBlockEnd
		}
		copy(resp[1:], s.blockData[start:end])
		s.send(resp)
		s.transferred += uint32(end - start)
		s.blockSeq = seq
		if last {
			break
		}
	}
	s.armTimeout()
}

func (s *Server) handleUploadBlockAck(data []byte) {
	if data[0]&0xE0 != ccsBlockUpload || data[0]&0x03 != blockCmdAck {
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
		return
	}
	if nextSize := data[2]; nextSize > 0 {
		s.blockSize = nextSize
	}

	if s.transferred >= uint32(len(s.blockData)) {
		lastSegLen := len(s.blockData) % 7
		n := 0
		if lastSegLen != 0 {
			n = 7 - lastSegLen
		}
		var crcVal uint16
		if s.blockCRCEnabled {
			var c crc.CRC16
			c.Block(s.blockData)
			crcVal = uint16(c)
		}
		var resp [8]byte
		resp[0] = scsBlockUpload | byte(n)<<2 | blockCmdEnd
		if s.blockCRCEnabled {
			binary.LittleEndian.PutUint16(resp[1:3], crcVal)
		}
		s.send(resp)
		s.state = serverUploadBlockEnd
		s.armTimeout()
		return
	}

	s.sendUploadSubBlock()
}
