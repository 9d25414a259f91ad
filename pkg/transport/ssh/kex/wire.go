package kex

import (
	"encoding/binary"
	"fmt"
	"hash"
	"math/big"
	"strings"
)

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(b []byte, s []byte) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendNameList(b []byte, names []string) []byte {
	return appendString(b, []byte(strings.Join(names, ",")))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// appendMPInt encodes n as an SSH mpint: a two's-complement big-endian
// integer, left-padded with a zero byte if the high bit of the first byte
// would otherwise be set, per RFC 4251 §5.
func appendMPInt(b []byte, n *big.Int) []byte {
	bytes := n.Bytes()
	if len(bytes) > 0 && bytes[0]&0x80 != 0 {
		bytes = append([]byte{0}, bytes...)
	}
	return appendString(b, bytes)
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("ssh/kex: truncated uint32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func readString(b []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, fmt.Errorf("ssh/kex: truncated string")
	}
	return rest[:n], rest[n:], nil
}

func readNameList(b []byte) ([]string, []byte, error) {
	s, rest, err := readString(b)
	if err != nil {
		return nil, nil, err
	}
	if len(s) == 0 {
		return nil, rest, nil
	}
	return strings.Split(string(s), ","), rest, nil
}

func readBool(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, nil, fmt.Errorf("ssh/kex: truncated bool")
	}
	return b[0] != 0, b[1:], nil
}

// writeString and writeMPInt feed the exchange-hash accumulator exactly
// the bytes appendString/appendMPInt would have produced, without an
// intermediate allocation.
func writeString(h hash.Hash, s []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write(s)
}

func writeMPInt(h hash.Hash, n *big.Int) {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	writeString(h, b)
}
