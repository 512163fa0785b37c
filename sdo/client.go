package sdo

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/internal/crc"
)

type clientState uint8

const (
	clientIdle clientState = iota
	clientDownloadSegment
	clientDownloadBlockInitiate
	clientDownloadBlockSubblock
	clientDownloadBlockEnd
	clientUploadSegment
	clientUploadBlockInitiate
	clientUploadBlockSubblock
	clientUploadBlockEnd
)

// Client is a CANopen SDO client (CiA 301 §7.2.4): it drives SDO download/
// upload transfers against one remote node at a time. Only one transfer may
// be in flight per Client at once, per spec.md §3/§8 ("one active session
// per client"); Download/Upload return canopen.ErrBusy otherwise. Completion
// is reported asynchronously, via the done callback, from within whatever
// SubmitFrame call delivers the final response frame — the client owns no
// thread of its own.
type Client struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	timeout    time.Duration

	// PreferBlock selects block transfer over segmented for downloads too big
	// for an expedited frame (size > 4 bytes) and for every upload; segmented
	// is the default.
	PreferBlock bool

	receiver    dispatch.ReceiverHandle
	hasReceiver bool
	timer       *dispatch.TimerHandle

	nodeID   uint8
	rxCobID  uint32
	txCobID  uint32
	state    clientState
	index    uint16
	subIndex uint8
	toggle   uint8

	downloadData   []byte
	downloadOffset int
	downloadDone   func(error)

	uploadBuf    []byte
	uploadSize   uint32
	uploadSizeOK bool
	uploadDone   func([]byte, error)

	blockCRCEnabled bool
	blockSize       uint8
	blockSeq        uint8
}

// NewClient creates an idle SDO client.
func NewClient(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:     logger.With("component", "sdo-client"),
		dispatcher: dispatcher,
		timeout:    DefaultClientTimeoutMs * time.Millisecond,
	}
}

func (c *Client) busy() bool { return c.state != clientIdle }

func (c *Client) beginTransfer(nodeID uint8, index uint16, subIndex uint8) {
	c.nodeID = nodeID
	c.rxCobID = ServerBaseID + uint32(nodeID)
	c.txCobID = ClientBaseID + uint32(nodeID)
	c.index = index
	c.subIndex = subIndex
	c.toggle = 0
	c.receiver = c.dispatcher.RegisterReceiver(c.rxCobID, canopen.StandardIDMask, false, 0, c.onFrame)
	c.hasReceiver = true
	c.armTimeout()
}

func (c *Client) armTimeout() {
	c.clearTimer()
	h := c.dispatcher.RegisterTimer(c.dispatcher.Now().Add(c.timeout), nil, c.onTimeout)
	c.timer = &h
}

func (c *Client) clearTimer() {
	if c.timer != nil {
		c.dispatcher.DeregisterTimer(*c.timer)
		c.timer = nil
	}
}

func (c *Client) onTimeout(now canopen.Timestamp) {
	if c.state == clientIdle {
		return
	}
	c.logger.Warn("sdo client transfer timed out", "node", c.nodeID, "index", c.index)
	c.finishDownload(canopen.ErrTimeout)
	c.finishUpload(nil, canopen.ErrTimeout)
}

func (c *Client) reset() {
	if c.hasReceiver {
		c.dispatcher.DeregisterReceiver(c.receiver)
		c.hasReceiver = false
	}
	c.clearTimer()
	c.state = clientIdle
	c.downloadData = nil
	c.downloadDone = nil
	c.uploadBuf = nil
	c.uploadDone = nil
	c.uploadSizeOK = false
}

func (c *Client) finishDownload(err error) {
	if c.state == clientIdle || c.downloadDone == nil {
		return
	}
	done := c.downloadDone
	c.reset()
	done(err)
}

func (c *Client) finishUpload(data []byte, err error) {
	if c.state == clientIdle || c.uploadDone == nil {
		return
	}
	done := c.uploadDone
	c.reset()
	done(data, err)
}

func (c *Client) send(data [8]byte) {
	frame := canopen.New(c.txCobID, 0, 8)
	copy(frame.Data[:], data[:])
	if err := c.dispatcher.Send(frame); err != nil {
		c.logger.Error("failed to send sdo request", "error", err)
	}
}

func (c *Client) onFrame(f canopen.Frame) {
	if f.Length < 8 || c.state == clientIdle {
		return
	}
	data := f.Data[:8]

	if data[0] == cmdAbort {
		index, subIndex := parseMultiplexer(data)
		code := AbortCode(binary.LittleEndian.Uint32(data[4:8]))
		c.logger.Warn("sdo abort received", "index", index, "subIndex", subIndex, "code", code)
		c.finishDownload(code)
		c.finishUpload(nil, code)
		return
	}

	switch c.state {
	case clientDownloadSegment:
		c.handleDownloadAck(data)
	case clientDownloadBlockInitiate:
		c.handleDownloadBlockInitiateAck(data)
	case clientDownloadBlockSubblock:
		c.handleDownloadBlockAck(data)
	case clientDownloadBlockEnd:
		c.handleDownloadBlockEndAck(data)
	case clientUploadSegment:
		c.handleUploadResponse(data)
	case clientUploadBlockInitiate:
		c.handleUploadBlockInitiateResponse(data)
	case clientUploadBlockSubblock:
		c.handleUploadBlockSegment(data)
	case clientUploadBlockEnd:
		c.handleUploadBlockEndResponse(data)
	}
}

// --- Download ---

// Download writes data to (index, subIndex) on nodeID. done is invoked once
// the transfer completes or fails; nil indicates success.
func (c *Client) Download(nodeID uint8, index uint16, subIndex uint8, data []byte, done func(error)) error {
	if c.busy() {
		return canopen.ErrBusy
	}
	c.beginTransfer(nodeID, index, subIndex)
	c.downloadDone = done

	if len(data) <= 4 {
		c.state = clientDownloadSegment // reuses the same "wait for scs ack" handling below
		c.downloadData = nil
		var resp [8]byte
		resp[0] = ccsDownloadInitiate | byte(4-len(data))<<2 | 0x02 | 0x01
		buildMultiplexer(resp[:], index, subIndex)
		copy(resp[4:4+len(data)], data)
		c.send(resp)
		return nil
	}

	if c.PreferBlock {
		c.downloadData = data
		c.downloadOffset = 0
		c.blockCRCEnabled = true
		c.state = clientDownloadBlockInitiate
		var resp [8]byte
		resp[0] = ccsBlockDownload | blockCCIndicated | blockSizeIndicated | blockCmdInitiate
		buildMultiplexer(resp[:], index, subIndex)
		binary.LittleEndian.PutUint32(resp[4:8], uint32(len(data)))
		c.send(resp)
		return nil
	}

	c.downloadData = data
	c.downloadOffset = 0
	c.state = clientDownloadSegment
	var resp [8]byte
	resp[0] = ccsDownloadInitiate | 0x01
	buildMultiplexer(resp[:], index, subIndex)
	binary.LittleEndian.PutUint32(resp[4:8], uint32(len(data)))
	c.send(resp)
	return nil
}

// handleDownloadAck handles both the initiate-download ack (expedited or
// segmented) and every subsequent segment ack.
func (c *Client) handleDownloadAck(data []byte) {
	if c.downloadData == nil {
		// Expedited transfer: the initiate ack is the whole transfer.
		if data[0] != scsDownloadInitiate {
			c.finishDownload(AbortCmd)
			return
		}
		c.finishDownload(nil)
		return
	}

	if c.downloadOffset == 0 {
		if data[0] != scsDownloadInitiate {
			c.finishDownload(AbortCmd)
			return
		}
		c.sendNextSegment()
		return
	}

	toggle := (data[0] >> 4) & 0x01
	if data[0]&0xEF != scsDownloadSegment || toggle != c.toggle {
		c.finishDownload(AbortToggleBit)
		return
	}
	c.toggle ^= 1
	if c.downloadOffset >= len(c.downloadData) {
		c.finishDownload(nil)
		return
	}
	c.sendNextSegment()
}

func (c *Client) sendNextSegment() {
	remaining := len(c.downloadData) - c.downloadOffset
	n := remaining
	if n > 7 {
		n = 7
	}
	last := remaining <= 7

	var resp [8]byte
	resp[0] = c.toggle<<4 | byte(7-n)<<1
	if last {
		resp[0] |= 0x01
	}
	copy(resp[1:1+n], c.downloadData[c.downloadOffset:c.downloadOffset+n])
	c.send(resp)
	c.downloadOffset += n
	c.armTimeout()
}

func (c *Client) handleDownloadBlockInitiateAck(data []byte) {
	if data[0]&0xE0 != scsBlockDownload || data[0]&0x03 != blockCmdInitiate {
		c.finishDownload(AbortCmd)
		return
	}
	c.blockSize = data[4]
	if c.blockSize == 0 {
		c.blockSize = 127
	}
	c.state = clientDownloadBlockSubblock
	c.sendDownloadSubBlock()
}

func (c *Client) sendDownloadSubBlock() {
	for seq := uint8(1); seq <= c.blockSize; seq++ {
		remaining := len(c.downloadData) - c.downloadOffset
		if remaining <= 0 {
			break
		}
		n := remaining
		if n > 7 {
			n = 7
		}
		last := remaining <= 7

		var resp [8]byte
		resp[0] = seq
		if last {
			resp[0] |= blockSubBlockEnd
		}
		copy(resp[1:], c.downloadData[c.downloadOffset:c.downloadOffset+n])
		c.send(resp)
		c.downloadOffset += n
		c.blockSeq = seq
		if last {
			break
		}
	}
	c.armTimeout()
}

func (c *Client) handleDownloadBlockAck(data []byte) {
	if data[0]&0xE0 != scsBlockDownload || data[0]&0x03 != blockCmdAck {
		c.finishDownload(AbortCmd)
		return
	}
	if nextSize := data[2]; nextSize > 0 {
		c.blockSize = nextSize
	}

	if c.downloadOffset >= len(c.downloadData) {
		lastSegLen := len(c.downloadData) % 7
		n := 0
		if lastSegLen != 0 {
			n = 7 - lastSegLen
		}
		var crcVal uint16
		var cc crc.CRC16
		cc.Block(c.downloadData)
		crcVal = uint16(cc)

		var resp [8]byte
		resp[0] = ccsBlockDownload | byte(n)<<2 | blockCmdEnd
		binary.LittleEndian.PutUint16(resp[1:3], crcVal)
		c.send(resp)
		c.state = clientDownloadBlockEnd
		c.armTimeout()
		return
	}

	c.sendDownloadSubBlock()
}

func (c *Client) handleDownloadBlockEndAck(data []byte) {
	if data[0]&0xE0 != scsBlockDownload || data[0]&0x03 != blockCmdEnd {
		c.finishDownload(AbortCmd)
		return
	}
	c.finishDownload(nil)
}

// --- Upload ---

// Upload reads the value at (index, subIndex) on nodeID. done receives the
// assembled bytes on success.
func (c *Client) Upload(nodeID uint8, index uint16, subIndex uint8, done func([]byte, error)) error {
	if c.busy() {
		return canopen.ErrBusy
	}
	c.beginTransfer(nodeID, index, subIndex)
	c.uploadDone = done

	if c.PreferBlock {
		c.state = clientUploadBlockInitiate
		var resp [8]byte
		resp[0] = ccsBlockUpload | blockCCIndicated | blockCmdInitiate
		buildMultiplexer(resp[:], index, subIndex)
		resp[4] = 127 // requested sub-block length
		c.send(resp)
		return nil
	}

	c.state = clientUploadSegment
	var resp [8]byte
	resp[0] = ccsUploadInitiate
	buildMultiplexer(resp[:], index, subIndex)
	c.send(resp)
	return nil
}

func (c *Client) handleUploadResponse(data []byte) {
	if c.uploadBuf == nil && c.uploadSize == 0 && !c.uploadSizeOK {
		if data[0]&0xE0 != scsUploadInitiate {
			c.finishUpload(nil, AbortCmd)
			return
		}
		expedited := data[0]&0x02 != 0
		sizeIndicated := data[0]&0x01 != 0

		if expedited {
			n := 4
			if sizeIndicated {
				n = int(4 - (data[0]>>2)&0x03)
			}
			out := make([]byte, n)
			copy(out, data[4:4+n])
			c.finishUpload(out, nil)
			return
		}

		if sizeIndicated {
			c.uploadSize = binary.LittleEndian.Uint32(data[4:8])
			c.uploadSizeOK = true
		}
		c.uploadBuf = make([]byte, 0, c.uploadSize)
		c.requestNextSegment()
		return
	}

	toggle := (data[0] >> 4) & 0x01
	if data[0]&0xEF != scsUploadSegment || toggle != c.toggle {
		c.finishUpload(nil, AbortToggleBit)
		return
	}
	last := data[0]&0x01 != 0
	n := 7 - int((data[0]>>1)&0x07)
	c.uploadBuf = append(c.uploadBuf, data[1:1+n]...)
	c.toggle ^= 1

	if last {
		c.finishUpload(c.uploadBuf, nil)
		return
	}
	c.requestNextSegment()
}

func (c *Client) requestNextSegment() {
	var resp [8]byte
	resp[0] = ccsUploadSegment | c.toggle<<4
	c.send(resp)
	c.armTimeout()
}

func (c *Client) handleUploadBlockInitiateResponse(data []byte) {
	if data[0]&0xE0 != scsBlockUpload || data[0]&0x03 != blockCmdInitiate {
		c.finishUpload(nil, AbortCmd)
		return
	}
	c.blockCRCEnabled = data[0]&blockCCIndicated != 0
	if data[0]&blockSizeIndicated != 0 {
		c.uploadSize = binary.LittleEndian.Uint32(data[4:8])
		c.uploadSizeOK = true
	}
	c.uploadBuf = make([]byte, 0, c.uploadSize)
	c.blockSeq = 0
	c.state = clientUploadBlockSubblock
	c.armTimeout()
}

func (c *Client) handleUploadBlockSegment(data []byte) {
	seqno := data[0] &^ blockSubBlockEnd
	last := data[0]&blockSubBlockEnd != 0

	if seqno != c.blockSeq+1 {
		c.finishUpload(nil, AbortSeqNum)
		return
	}
	c.uploadBuf = append(c.uploadBuf, data[1:8]...)
	c.blockSeq = seqno

	if !last && seqno < 127 {
		c.armTimeout()
		return
	}

	var resp [8]byte
	resp[0] = ccsBlockUpload | blockCmdAck
	resp[1] = c.blockSeq
	resp[2] = 127
	c.send(resp)
	c.blockSeq = 0

	if last {
		c.state = clientUploadBlockEnd
	}
	c.armTimeout()
}

func (c *Client) handleUploadBlockEndResponse(data []byte) {
	if data[0]&0xE0 != scsBlockUpload || data[0]&0x03 != blockCmdEnd {
		c.finishUpload(nil, AbortCmd)
		return
	}
	n := int((data[0] >> 2) & 0x07)
	total := len(c.uploadBuf) - n
	if total < 0 {
		c.finishUpload(nil, AbortSeqNum)
		return
	}
	payload := c.uploadBuf[:total]

	if c.blockCRCEnabled {
		expected := binary.LittleEndian.Uint16(data[1:3])
		var cc crc.CRC16
		cc.Block(payload)
		if uint16(cc) != expected {
			c.finishUpload(nil, AbortCRC)
			return
		}
	}

	var resp [8]byte
	resp[0] = ccsBlockUpload | blockCmdEnd
	c.send(resp)
	c.finishUpload(payload, nil)
}
