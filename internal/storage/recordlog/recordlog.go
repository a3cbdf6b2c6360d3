package recordlog

// ============================================================================
// 結果記錄日誌
// 職責：
// 1. 以追加方式（append-only）寫入 CompletedJobRecord，每行一筆 JSON
// 2. 每筆記錄帶有遞增序號與 CRC32 校驗和
// 3. 提供重放功能，供匯出與 agent 本地記錄讀回
// ============================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorrupted 日誌行無法解析
	ErrCorrupted = errors.New("recordlog: file is corrupted")
	// ErrChecksumMismatch 校驗和不符（資料損壞或遭竄改）
	ErrChecksumMismatch = errors.New("recordlog: checksum mismatch")
	// ErrClosed 日誌已關閉
	ErrClosed = errors.New("recordlog: already closed")
)

// ChecksumError 帶有詳細資訊的校驗和錯誤
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("recordlog: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// ============================================================================
// 資料結構定義
// ============================================================================

// Entry 日誌中的一行
type Entry struct {
	Seq      uint64          `json:"seq"`
	Checksum uint32          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// Decode 解析記錄內容
func (e Entry) Decode() (types.CompletedJobRecord, error) {
	var rec types.CompletedJobRecord
	if err := json.Unmarshal(e.Record, &rec); err != nil {
		return rec, fmt.Errorf("%w: seq=%d: %v", ErrCorrupted, e.Seq, err)
	}
	return rec, nil
}

// Log 追加式記錄日誌
type Log struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟記錄日誌

行為：
- 自動建立上層目錄
- 如果檔案已存在，讀取最後一筆的 seq 並繼續
- 以追加模式（O_APPEND）開啟
*/
func Open(path string, syncOnAppend bool) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recordlog: create dir: %w", err)
		}
	}

	var seq uint64
	err := Replay(path, func(e Entry) error {
		seq = e.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordlog: open %s: %w", path, err)
	}

	return &Log{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆記錄
func (l *Log) Append(rec types.CompletedJobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recordlog: marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	seq := l.seq + 1
	entry := Entry{Seq: seq, Checksum: Checksum(seq, raw), Record: raw}
	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("recordlog: write seq=%d: %w", seq, err)
	}
	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("recordlog: sync: %w", err)
		}
	}
	l.seq = seq
	return nil
}

// LastSeq 取得最後寫入的序號
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path 日誌檔案路徑
func (l *Log) Path() string {
	return l.path
}

// Close 關閉日誌；關閉後的實例不可重用
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Replay 從頭讀取日誌並逐筆呼叫 handler
//
// 行為：
// - 檔案不存在視為空日誌
// - 驗證每筆的 checksum，不符時回傳 *ChecksumError
// - handler 回傳錯誤時立即停止
func Replay(path string, handler func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("recordlog: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if sum := Checksum(entry.Seq, entry.Record); sum != entry.Checksum {
			return &ChecksumError{Seq: entry.Seq, Expected: entry.Checksum, Actual: sum}
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("recordlog: read %s: %w", path, err)
	}
	return nil
}

// ReadAll 讀回全部記錄
func ReadAll(path string) ([]types.CompletedJobRecord, error) {
	var out []types.CompletedJobRecord
	err := Replay(path, func(e Entry) error {
		rec, err := e.Decode()
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Checksum 以 CRC32-IEEE 計算 seq 與記錄原文的校驗和
func Checksum(seq uint64, raw []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(raw)
	return h.Sum32()
}
