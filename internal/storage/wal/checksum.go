package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Type、Seq、任務的 JSON 編碼與 Run 的 JSON 編碼（若有）串接
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp，重放時只驗證事件內容。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], event.Seq)
	h.Write(buf[:])

	if body, err := json.Marshal(event.Task); err == nil {
		h.Write(body)
	}
	if event.Run != nil {
		if body, err := json.Marshal(event.Run); err == nil {
			h.Write(body)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
