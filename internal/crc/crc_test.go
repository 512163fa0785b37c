package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestBlockMatchesRepeatedSingle(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	var viaSingle CRC16
	for _, b := range data {
		viaSingle.Single(b)
	}

	var viaBlock CRC16
	viaBlock.Block(data)

	assert.Equal(t, viaSingle, viaBlock)
}

func TestEmptyBlockIsNoop(t *testing.T) {
	crc := CRC16(0x1234)
	crc.Block(nil)
	assert.EqualValues(t, 0x1234, crc)
}
