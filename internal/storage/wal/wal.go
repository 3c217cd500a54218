package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加排程事件與 Run 狀態到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復排程與 Run 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/c-atts/catts-app/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Options 控制批次寫入行為
type Options struct {
	SyncOnAppend  bool          // 每次 Append 都立即 flush + fsync
	BufferSize    int           // 緩衝事件數上限，預設 1000
	FlushInterval time.Duration // 緩衝最長保留時間，預設 1 秒
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 最後一行沒有換行且無法解析（寫到一半就崩潰）時，截斷到最後一筆完整記錄
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		seq, err = recoverTail(file, path)
		if err != nil {
			file.Close()
			return nil, err
		}
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  opts.SyncOnAppend,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
	}, nil
}

// recoverTail 讀取既有 WAL 的最後 seq，並修復崩潰留下的半行記錄
//
// 只有檔尾未結束的那一行可以被丟棄；中間的損毀或 checksum 錯誤仍然回報。
func recoverTail(file *os.File, path string) (uint64, error) {
	var seq uint64
	good, err := scanFile(path, func(event Event) error {
		seq = event.Seq
		return nil
	})
	if err != nil {
		var cerr *CorruptionError
		if !errors.As(err, &cerr) || !cerr.TornTail() {
			return 0, err
		}
		slog.With("component", "wal").Warn("Truncating torn WAL tail",
			"path", path, "offset", good, "last_seq", seq)
		if err := file.Truncate(good); err != nil {
			return 0, fmt.Errorf("wal: truncate %s: %w", path, err)
		}
		return seq, file.Sync()
	}

	// 最後一筆完整但少了換行時補上，避免下一筆接在同一行
	if good > 0 {
		last := make([]byte, 1)
		if _, err := file.ReadAt(last, good-1); err != nil {
			return 0, err
		}
		if last[0] != '\n' {
			if _, err := file.Write([]byte{'\n'}); err != nil {
				return 0, err
			}
		}
	}
	return seq, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 緩衝滿、超時、syncOnAppend 或 forceFlush 時寫入並同步到磁碟
func (w *WAL) Append(eventType EventType, task types.ScheduledTask, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Task:      task,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	if forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// AppendRun 追加一筆 Run 完整狀態（RUN_UPSERT）
//
// 一律立即 flush + fsync：呼叫端在回傳成功前必須確定狀態已落盤。
func (w *WAL) AppendRun(r *types.Run) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      EventRunUpsert,
		Run:       r,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)
	return w.flushLocked()
}

// Flush 將緩衝事件寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	_, err := scanFile(path, handler)
	return err
}

// scanFile 逐行讀取 WAL，回傳最後一筆完整記錄結束的位移
//
// 檔尾沒有換行且解析失敗的那一行以 io.ErrUnexpectedEOF 回報。
func scanFile(path string, handler EventHandler) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var (
		good    int64
		lastSeq uint64
	)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return good, readErr
		}
		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if readErr == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return good, &CorruptionError{Seq: lastSeq, Offset: good, Cause: err}
			}
			if !VerifyChecksum(event) {
				return good, &ChecksumError{
					Seq:      event.Seq,
					Expected: CalculateChecksum(event),
					Actual:   event.Checksum,
				}
			}
			if err := handler(event); err != nil {
				return good, err
			}
			lastSeq = event.Seq
		}
		good += int64(len(line))
		if readErr == io.EOF {
			return good, nil
		}
	}
}

// Rotate 旋轉日誌檔案
//
// 快照寫入成功後呼叫：舊檔改名保留，新檔從 seq 0 開始。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL，關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
