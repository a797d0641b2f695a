package modbus

// CRC16 calculates the Modbus RTU CRC-16 checksum
// (polynomial 0xA001, initial value 0xFFFF)
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)

	for _, b := range data {
		crc ^= uint16(b)

		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// VerifyCRC verifies the trailing CRC of a frame. The vendor cloud carries
// the CRC high byte first, unlike serial Modbus RTU which is low byte first.
func VerifyCRC(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	calculated := CRC16(data[:len(data)-2])
	messageCRC := uint16(data[len(data)-2])<<8 | uint16(data[len(data)-1])

	return calculated == messageCRC
}

// AppendCRC appends the CRC-16 checksum to the frame, high byte first
// (vendor byte order)
func AppendCRC(data []byte) []byte {
	crc := CRC16(data)

	result := make([]byte, len(data)+2)
	copy(result, data)
	result[len(data)] = byte(crc >> 8)
	result[len(data)+1] = byte(crc & 0xFF)

	return result
}
