// Package crc implements the CRC-16 variant used by CANopen SDO block transfer
// (CiA 301 §7.2.4.3.17): polynomial x^16+x^12+x^5+1, no reflection, zero init.
package crc

// CRC16 is a running CRC-16/CCITT value.
type CRC16 uint16

// Single folds one byte into the running CRC.
func (c *CRC16) Single(b byte) {
	crc := *c
	crc ^= CRC16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc = crc << 1
		}
	}
	*c = crc
}

// Block folds an entire byte slice into the running CRC.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}
