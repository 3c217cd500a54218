package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功解析且校驗正確的事件。
// 檔案為空時回傳 (nil, nil)。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
