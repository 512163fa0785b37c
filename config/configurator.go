// Package config provides master-side helpers for configuring a remote
// node's reserved object dictionary range (0x1000-0x1FFF) over SDO, without
// needing that node's EDS, plus EDS parsing and concise-DCF encoding for
// nodes whose layout is known ahead of time. Grounded on the teacher's
// pkg/config and pkg/od/parser.go, redriven around the asynchronous,
// single-transfer sdo.Client instead of a blocking SDO client.
package config

import (
	"encoding/binary"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/sdo"
)

// NodeConfigurator reads and writes a remote node's reserved configuration
// objects through an sdo.Client. Every method is asynchronous: it returns
// immediately (or canopen.ErrBusy if the client already has a transfer in
// flight) and invokes done once the response arrives.
type NodeConfigurator struct {
	client *sdo.Client
	nodeId uint8
}

// NewNodeConfigurator builds a NodeConfigurator for nodeId, sharing client
// with anything else that also drives it (only one transfer may be in
// flight across all of them at a time).
func NewNodeConfigurator(nodeId uint8, client *sdo.Client) *NodeConfigurator {
	return &NodeConfigurator{client: client, nodeId: nodeId}
}

// ReadRaw uploads index:subIndex and hands the raw payload to done.
func (c *NodeConfigurator) ReadRaw(index uint16, subIndex uint8, done func([]byte, error)) error {
	return c.client.Upload(c.nodeId, index, subIndex, done)
}

// ReadUint8 uploads index:subIndex and decodes it as a single byte.
func (c *NodeConfigurator) ReadUint8(index uint16, subIndex uint8, done func(uint8, error)) error {
	return c.client.Upload(c.nodeId, index, subIndex, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) != 1 {
			done(0, canopen.ErrOdParameters)
			return
		}
		done(data[0], nil)
	})
}

// ReadUint16 uploads index:subIndex and decodes it little-endian.
func (c *NodeConfigurator) ReadUint16(index uint16, subIndex uint8, done func(uint16, error)) error {
	return c.client.Upload(c.nodeId, index, subIndex, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) != 2 {
			done(0, canopen.ErrOdParameters)
			return
		}
		done(binary.LittleEndian.Uint16(data), nil)
	})
}

// ReadUint32 uploads index:subIndex and decodes it little-endian.
func (c *NodeConfigurator) ReadUint32(index uint16, subIndex uint8, done func(uint32, error)) error {
	return c.client.Upload(c.nodeId, index, subIndex, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) != 4 {
			done(0, canopen.ErrOdParameters)
			return
		}
		done(binary.LittleEndian.Uint32(data), nil)
	})
}

// WriteRaw downloads data to index:subIndex.
func (c *NodeConfigurator) WriteRaw(index uint16, subIndex uint8, data []byte, done func(error)) error {
	return c.client.Download(c.nodeId, index, subIndex, data, done)
}

// WriteUint8 downloads a single byte to index:subIndex.
func (c *NodeConfigurator) WriteUint8(index uint16, subIndex uint8, value uint8, done func(error)) error {
	return c.client.Download(c.nodeId, index, subIndex, []byte{value}, done)
}

// WriteUint16 downloads a little-endian uint16 to index:subIndex.
func (c *NodeConfigurator) WriteUint16(index uint16, subIndex uint8, value uint16, done func(error)) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return c.client.Download(c.nodeId, index, subIndex, data, done)
}

// WriteUint32 downloads a little-endian uint32 to index:subIndex.
func (c *NodeConfigurator) WriteUint32(index uint16, subIndex uint8, value uint32, done func(error)) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	return c.client.Download(c.nodeId, index, subIndex, data, done)
}

// ReadIdentity uploads the mandatory identity object 0x1018 (CiA 301
// §7.5.2.12). Only VendorId (sub 1) is mandatory; the others default to 0
// on error, chained in sequence since the client allows one transfer at a
// time.
func (c *NodeConfigurator) ReadIdentity(done func(*Identity, error)) error {
	identity := &Identity{}
	return c.client.Upload(c.nodeId, 0x1018, 1, func(data []byte, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		identity.VendorId = leUint32(data)
		c.client.Upload(c.nodeId, 0x1018, 2, func(data []byte, _ error) {
			if len(data) == 4 {
				identity.ProductCode = leUint32(data)
			}
			c.client.Upload(c.nodeId, 0x1018, 3, func(data []byte, _ error) {
				if len(data) == 4 {
					identity.RevisionNumber = leUint32(data)
				}
				c.client.Upload(c.nodeId, 0x1018, 4, func(data []byte, _ error) {
					if len(data) == 4 {
						identity.SerialNumber = leUint32(data)
					}
					done(identity, nil)
				})
			})
		})
	})
}

// ReadManufacturerInformation uploads the optional 0x1008-0x100A strings.
// Missing entries are left blank; only a failure to reach the node at all
// is reported.
func (c *NodeConfigurator) ReadManufacturerInformation(done func(ManufacturerInformation, error)) error {
	info := ManufacturerInformation{}
	return c.client.Upload(c.nodeId, 0x1008, 0, func(data []byte, err error) {
		if err != nil {
			done(info, err)
			return
		}
		info.DeviceName = string(data)
		c.client.Upload(c.nodeId, 0x1009, 0, func(data []byte, _ error) {
			info.HardwareVersion = string(data)
			c.client.Upload(c.nodeId, 0x100A, 0, func(data []byte, _ error) {
				info.SoftwareVersion = string(data)
				done(info, nil)
			})
		})
	})
}

func leUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
