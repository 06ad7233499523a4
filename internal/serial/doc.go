// Package serial owns the serial-port lifecycle for USB behavioral
// devices behind the assign_device/unassign_device commands, with a
// length-prefixed frame format terminated by a CRC16 trailer computed
// with github.com/sigurn/crc16. Device protocol semantics above the
// framing layer, and baud negotiation below the OS device-file layer,
// are deliberately not implemented here.
package serial
