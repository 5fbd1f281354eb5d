package powerbus

import "github.com/sigurn/crc8"

// CRC7 is the checksum used by the power bus firmware: a table driven CRC-8
// with polynomial 0x31, seeded at zero and folded byte by byte.
var CRC7 = crc8.Params{
	Poly:   0x31,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xA2,
	Name:   "CRC-7/POWERBUS",
}

var crcTable = crc8.MakeTable(CRC7)

// Checksum computes the CRC7 of data.
func Checksum(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}
