package sdo

import (
	"encoding/binary"
	"testing"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/stretchr/testify/require"
)

// newLoopback wires a single Dispatcher as its own bus: anything Send hands
// it is immediately resubmitted, so a Server and Client registered on it
// exchange frames synchronously within one call stack, just as they would
// across a real bus with negligible propagation delay.
func newLoopback() *dispatch.Dispatcher {
	d := dispatch.New(nil)
	d.SetSendFunc(func(f canopen.Frame) error {
		d.SubmitFrame(f)
		return nil
	})
	return d
}

func newTestOD(t *testing.T) *od.ObjectDictionary {
	t.Helper()
	dict := od.New(nil)
	_, err := dict.AddVariableType(0x2000, "u32", od.UNSIGNED32, od.AttributeSdoRw, "0")
	require.NoError(t, err)
	_, err = dict.AddVariableType(0x2001, "str10", od.VISIBLE_STRING, od.AttributeSdoRw, "0123456789")
	require.NoError(t, err)
	_, err = dict.AddVariableType(0x2002, "str40", od.VISIBLE_STRING, od.AttributeSdoRw,
		"0123456789ABCDEFGHIJ0123456789ABCDEFGHIJ")
	require.NoError(t, err)
	return dict
}

func TestExpeditedDownloadThenUpload(t *testing.T) {
	d := newLoopback()
	dict := newTestOD(t)
	server := NewServer(d, dict, 5, nil)
	defer server.Close()
	client := NewClient(d, nil)

	var downloadErr error
	err := client.Download(5, 0x2000, 0, []byte{0x78, 0x56, 0x34, 0x12}, func(e error) {
		downloadErr = e
	})
	require.NoError(t, err)
	require.NoError(t, downloadErr)

	var uploaded []byte
	var uploadErr error
	err = client.Upload(5, 0x2000, 0, func(data []byte, e error) {
		uploaded, uploadErr = data, e
	})
	require.NoError(t, err)
	require.NoError(t, uploadErr)
	require.Equal(t, uint32(0x12345678), binary.LittleEndian.Uint32(uploaded))
}

func TestSegmentedDownloadThenUpload(t *testing.T) {
	d := newLoopback()
	dict := newTestOD(t)
	server := NewServer(d, dict, 5, nil)
	defer server.Close()
	client := NewClient(d, nil)

	newValue := []byte("ABCDEFGHIJ")
	var downloadErr error
	err := client.Download(5, 0x2001, 0, newValue, func(e error) { downloadErr = e })
	require.NoError(t, err)
	require.NoError(t, downloadErr)

	var uploaded []byte
	var uploadErr error
	err = client.Upload(5, 0x2001, 0, func(data []byte, e error) { uploaded, uploadErr = data, e })
	require.NoError(t, err)
	require.NoError(t, uploadErr)
	require.Equal(t, newValue, uploaded)
}

func TestBlockDownloadThenUpload(t *testing.T) {
	d := newLoopback()
	dict := newTestOD(t)
	server := NewServer(d, dict, 5, nil)
	defer server.Close()
	client := NewClient(d, nil)
	client.PreferBlock = true

	newValue := []byte("0123456789ABCDEFGHIJ0123456789ABCDEFGHIJ")
	var downloadErr error
	err := client.Download(5, 0x2002, 0, newValue, func(e error) { downloadErr = e })
	require.NoError(t, err)
	require.NoError(t, downloadErr)

	var uploaded []byte
	var uploadErr error
	err = client.Upload(5, 0x2002, 0, func(data []byte, e error) { uploaded, uploadErr = data, e })
	require.NoError(t, err)
	require.NoError(t, uploadErr)
	require.Equal(t, newValue, uploaded)
}

func TestDownloadToMissingIndexAborts(t *testing.T) {
	d := newLoopback()
	dict := newTestOD(t)
	server := NewServer(d, dict, 5, nil)
	defer server.Close()
	client := NewClient(d, nil)

	var downloadErr error
	err := client.Download(5, 0x3000, 0, []byte{1, 2, 3, 4}, func(e error) { downloadErr = e })
	require.NoError(t, err)
	require.Error(t, downloadErr)
	abortErr, ok := downloadErr.(AbortCode)
	require.True(t, ok)
	require.Equal(t, AbortNotExist, abortErr)
}

func TestClientRejectsConcurrentTransfer(t *testing.T) {
	d := newLoopback()
	dict := newTestOD(t)
	server := NewServer(d, dict, 5, nil)
	defer server.Close()
	client := NewClient(d, nil)

	// Deregister the server so the first transfer never completes, leaving
	// the client busy for the second call to observe.
	server.Close()

	err := client.Download(5, 0x2000, 0, []byte{1, 2, 3, 4}, func(error) {})
	require.NoError(t, err)

	err = client.Download(5, 0x2000, 0, []byte{1, 2, 3, 4}, func(error) {})
	require.ErrorIs(t, err, canopen.ErrBusy)
}

func TestFromODRMapsKnownAndUnknownCodes(t *testing.T) {
	require.Equal(t, AbortNotExist, FromODR(od.ErrIdxNotExist))
	require.Equal(t, AbortReadOnly, FromODR(od.ErrReadonly))
	require.Equal(t, AbortDeviceIncompat, FromODR(od.ODR(99)))
}
