package archive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testData() []byte {
	buf := make([]byte, 10*1024)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a, err := NewArchiver()
	if err != nil {
		t.Fatalf("NewArchiver() error = %v", err)
	}

	data := testData()
	shards, err := a.Encode(data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(shards) != TotalShards {
		t.Fatalf("Encode() produced %d shards, want %d", len(shards), TotalShards)
	}

	got, err := a.Decode(shards, len(data))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip changed the data")
	}
}

func TestDecodeSurvivesShardLoss(t *testing.T) {
	a, _ := NewArchiver()
	data := testData()
	shards, err := a.Encode(data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Drop the maximum tolerable number of shards, mixing data and
	// parity losses.
	for _, i := range []int{0, 3, 9, 11, 14} {
		shards[i] = nil
	}

	got, err := a.Decode(shards, len(data))
	if err != nil {
		t.Fatalf("Decode() with %d lost shards error = %v", ParityShards, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reconstruction changed the data")
	}
}

func TestDecodeTooFewShards(t *testing.T) {
	a, _ := NewArchiver()
	data := testData()
	shards, _ := a.Encode(data)

	for i := 0; i < ParityShards+1; i++ {
		shards[i] = nil
	}

	if _, err := a.Decode(shards, len(data)); !errors.Is(err, ErrInsufficientShards) {
		t.Errorf("Decode() error = %v, want ErrInsufficientShards", err)
	}
}

func TestSnapshotFilesRoundTrip(t *testing.T) {
	a, _ := NewArchiver()
	dir := filepath.Join(t.TempDir(), "snap")
	data := testData()

	if err := a.WriteSnapshot(dir, data); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}

	got, err := a.ReadSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("snapshot round trip changed the data")
	}
}

func TestSnapshotSurvivesDeletedShardFiles(t *testing.T) {
	a, _ := NewArchiver()
	dir := filepath.Join(t.TempDir(), "snap")
	data := testData()

	if err := a.WriteSnapshot(dir, data); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	for _, i := range []int{1, 5, 12} {
		if err := os.Remove(filepath.Join(dir, shardFileName(i))); err != nil {
			t.Fatalf("remove shard %d: %v", i, err)
		}
	}
	// Corrupt one more by truncation; it is ignored like a missing one.
	if err := os.WriteFile(filepath.Join(dir, shardFileName(7)), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := a.ReadSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadSnapshot() after losses error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("damaged snapshot reconstruction changed the data")
	}
}
