// Package archive writes erasure-coded snapshots of conversation logs.
// A snapshot is split into Reed-Solomon shards so it survives partial
// loss of the backing medium: any 10 of the 15 shard files reconstruct
// the full snapshot.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
)

const (
	// DataShards is the number of data shards per snapshot
	DataShards = 10
	// ParityShards is the number of parity shards per snapshot
	ParityShards = 5
	// TotalShards is the total shard count
	TotalShards = DataShards + ParityShards

	manifestName = "manifest.json"
)

var (
	ErrInsufficientShards = errors.New("insufficient shards for recovery")
	ErrCorruptArchive     = errors.New("corrupt archive")
)

// manifest records what the shards reconstruct to
type manifest struct {
	OriginalSize int `json:"original_size"`
	ShardSize    int `json:"shard_size"`
	DataShards   int `json:"data_shards"`
	ParityShards int `json:"parity_shards"`
}

// Archiver encodes and decodes snapshot shard sets
type Archiver struct {
	enc reedsolomon.Encoder
}

// NewArchiver creates an archiver with the standard 10+5 geometry
func NewArchiver() (*Archiver, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("create Reed-Solomon encoder: %w", err)
	}
	return &Archiver{enc: enc}, nil
}

// Encode splits data into the full shard set
func (a *Archiver) Encode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty snapshot")
	}
	shards, err := a.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("split snapshot: %w", err)
	}
	if err := a.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

// Decode reconstructs the original data from a shard set. Missing
// shards are nil entries; at least DataShards of them must be present.
func (a *Archiver) Decode(shards [][]byte, originalSize int) ([]byte, error) {
	if len(shards) != TotalShards {
		return nil, fmt.Errorf("%w: %d shards, want %d", ErrCorruptArchive, len(shards), TotalShards)
	}

	available := 0
	for _, s := range shards {
		if s != nil {
			available++
		}
	}
	if available < DataShards {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShards, available, DataShards)
	}

	work := make([][]byte, TotalShards)
	copy(work, shards)
	if err := a.enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("reconstruct shards: %w", err)
	}
	ok, err := a.enc.Verify(work)
	if err != nil {
		return nil, fmt.Errorf("verify shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: shard verification failed", ErrCorruptArchive)
	}

	buf := make([]byte, 0, originalSize)
	for i := 0; i < DataShards; i++ {
		buf = append(buf, work[i]...)
	}
	if len(buf) < originalSize {
		return nil, fmt.Errorf("%w: reconstructed %d bytes, want %d", ErrCorruptArchive, len(buf), originalSize)
	}
	return buf[:originalSize], nil
}

// WriteSnapshot encodes data and writes the shard files plus manifest
// into dir, creating it if needed.
func (a *Archiver) WriteSnapshot(dir string, data []byte) error {
	shards, err := a.Encode(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	m := manifest{
		OriginalSize: len(data),
		ShardSize:    len(shards[0]),
		DataShards:   DataShards,
		ParityShards: ParityShards,
	}
	mbuf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), mbuf, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for i, shard := range shards {
		name := filepath.Join(dir, shardFileName(i))
		if err := os.WriteFile(name, shard, 0o600); err != nil {
			return fmt.Errorf("write shard %d: %w", i, err)
		}
	}
	return nil
}

// ReadSnapshot loads whatever shard files survive in dir and
// reconstructs the snapshot.
func (a *Archiver) ReadSnapshot(dir string) ([]byte, error) {
	mbuf, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(mbuf, &m); err != nil {
		return nil, fmt.Errorf("%w: bad manifest: %v", ErrCorruptArchive, err)
	}
	if m.DataShards != DataShards || m.ParityShards != ParityShards {
		return nil, fmt.Errorf("%w: unsupported geometry %d+%d", ErrCorruptArchive, m.DataShards, m.ParityShards)
	}

	shards := make([][]byte, TotalShards)
	for i := range shards {
		buf, err := os.ReadFile(filepath.Join(dir, shardFileName(i)))
		if err != nil {
			// Missing or unreadable shard; reconstruction covers it.
			continue
		}
		if len(buf) != m.ShardSize {
			continue
		}
		shards[i] = buf
	}
	return a.Decode(shards, m.OriginalSize)
}

func shardFileName(i int) string {
	return fmt.Sprintf("shard-%02d.bin", i)
}
