package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTableConfig disables the periodic compactor so tests drive compaction.
func testTableConfig() TableConfig {
	config := DefaultTableConfig()
	config.CompactionInterval = time.Hour
	config.SyncMode = SyncNone
	return config
}

func openStringTable(t *testing.T, dir string) *Table[string, string] {
	t.Helper()
	tbl, err := OpenTable[string, string](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), StringCodec{}, testTableConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestTable_PutThenGet(t *testing.T) {
	tbl := openStringTable(t, t.TempDir())

	require.NoError(t, tbl.Put("a", "1"))
	require.NoError(t, tbl.Put("b", "2"))

	value, ok := tbl.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)

	value, ok = tbl.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}

func TestTable_MissingKey(t *testing.T) {
	tbl := openStringTable(t, t.TempDir())

	value, ok := tbl.Get("never-written")
	assert.False(t, ok)
	assert.Equal(t, "", value)
}

func TestTable_LastWriteWinsBeforeFlush(t *testing.T) {
	tbl := openStringTable(t, t.TempDir())

	require.NoError(t, tbl.Put("a", "1"))
	require.NoError(t, tbl.Put("a", "2"))

	value, ok := tbl.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}

func TestTable_FlushLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tbl := openStringTable(t, dir)

	require.NoError(t, tbl.Put("a", "1"))
	require.NoError(t, tbl.Put("b", "2"))
	value, _ := tbl.Get("a")
	assert.Equal(t, "1", value)
	require.NoError(t, tbl.FlushLog())

	assert.Equal(t, "2 a 1 b 2 ", readFile(t, filepath.Join(dir, "logs.txt")))
	assert.Equal(t, 0, tbl.Stats().PendingCount)

	// Restart against the same files without closing the first instance.
	restarted := openStringTable(t, dir)
	value, ok := restarted.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
	value, ok = restarted.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}

func TestTable_LastWriteWinsAcrossCompaction(t *testing.T) {
	dir := t.TempDir()
	tbl := openStringTable(t, dir)

	for i := 1; i <= 5; i++ {
		require.NoError(t, tbl.Put("k", fmt.Sprint(i)))
	}
	value, _ := tbl.Get("k")
	assert.Equal(t, "5", value)

	require.NoError(t, tbl.Compact())
	value, _ = tbl.Get("k")
	assert.Equal(t, "5", value)

	require.NoError(t, tbl.FlushLog())
	require.NoError(t, tbl.Compact())
	require.NoError(t, tbl.FlushLog())
	value, _ = tbl.Get("k")
	assert.Equal(t, "5", value)

	assert.Equal(t, "1 k 5 ", readFile(t, filepath.Join(dir, "db.txt")))
	assert.Equal(t, "0 ", readFile(t, filepath.Join(dir, "logs.txt")))

	restarted := openStringTable(t, dir)
	value, ok := restarted.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "5", value)
}

func TestTable_PutsDuringCompactionSurvive(t *testing.T) {
	dir := t.TempDir()
	tbl := openStringTable(t, dir)

	require.NoError(t, tbl.Put("old", "0"))
	require.NoError(t, tbl.FlushLog())

	// Hold a compaction open around the writes.
	require.True(t, tbl.beginCompaction())
	assert.False(t, tbl.beginCompaction(), "second compaction must not start")

	require.NoError(t, tbl.Put("x", "1"))
	require.NoError(t, tbl.Put("old", "2"))

	value, ok := tbl.Get("x")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
	value, _ = tbl.Get("old")
	assert.Equal(t, "2", value)

	// The frozen snapshot map does not see writes made during compaction.
	_, inSnapshot := tbl.snapshot["x"]
	assert.False(t, inSnapshot)

	// A flush during compaction persists but keeps the pending buffer.
	require.NoError(t, tbl.FlushLog())
	assert.Equal(t, 2, tbl.Stats().PendingCount)
	assert.Equal(t, "3 old 0 x 1 old 2 ", readFile(t, filepath.Join(dir, "logs.txt")))

	require.NoError(t, tbl.writeSnapshot())
	tbl.endCompaction(nil)
	assert.Equal(t, "1 old 0 ", readFile(t, filepath.Join(dir, "db.txt")))

	require.NoError(t, tbl.FlushLog())
	stats := tbl.Stats()
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 2, stats.MergedCount)
	assert.Equal(t, 2, stats.KeyCount)

	value, _ = tbl.Get("x")
	assert.Equal(t, "1", value)
	value, _ = tbl.Get("old")
	assert.Equal(t, "2", value)

	restarted := openStringTable(t, dir)
	value, _ = restarted.Get("x")
	assert.Equal(t, "1", value)
	value, _ = restarted.Get("old")
	assert.Equal(t, "2", value)
}

func TestTable_FailedCompactionKeepsLog(t *testing.T) {
	dir := t.TempDir()
	tbl := openStringTable(t, dir)

	require.NoError(t, tbl.Put("a", "1"))
	require.NoError(t, tbl.FlushLog())

	// A directory in place of the snapshot file makes the rename fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "db.txt"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.txt", "blocker"), nil, 0644))

	err := tbl.Compact()
	require.Error(t, err)

	stats := tbl.Stats()
	assert.False(t, stats.Compacting)
	assert.Equal(t, uint64(1), stats.CompactionFailures)
	assert.Error(t, stats.LastCompactionError)
	assert.Equal(t, 1, stats.MergedCount)

	require.NoError(t, tbl.FlushLog())
	assert.Equal(t, "1 a 1 ", readFile(t, filepath.Join(dir, "logs.txt")))
}

func TestTable_FailedFlushKeepsPending(t *testing.T) {
	dir := t.TempDir()
	tbl := openStringTable(t, dir)

	require.NoError(t, tbl.Put("a", "1"))

	// The temporary log file cannot be created over a non-empty directory.
	blocker := filepath.Join(dir, "logs.txt"+tmpExt)
	require.NoError(t, os.Mkdir(blocker, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "blocker"), nil, 0644))

	require.Error(t, tbl.FlushLog())
	assert.Equal(t, 1, tbl.Stats().PendingCount)
	assert.Equal(t, uint64(0), tbl.Stats().Flushes)

	value, ok := tbl.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)

	require.NoError(t, os.RemoveAll(blocker))
	require.NoError(t, tbl.FlushLog())
	assert.Equal(t, 0, tbl.Stats().PendingCount)
	assert.Equal(t, "1 a 1 ", readFile(t, filepath.Join(dir, "logs.txt")))
}

func TestTable_MissingFilesStartEmpty(t *testing.T) {
	tbl := openStringTable(t, t.TempDir())

	stats := tbl.Stats()
	assert.Equal(t, 0, stats.KeyCount)
	assert.Equal(t, 0, stats.PendingCount)
}

func TestTable_EmptyFilesStartEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.txt"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs.txt"), []byte("\n"), 0644))

	tbl := openStringTable(t, dir)
	assert.Equal(t, 0, tbl.Stats().KeyCount)
}

func TestTable_LogOverridesSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.txt"), []byte("2 a 1 b 1 "), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs.txt"), []byte("2 a 2 a 3 "), 0644))

	tbl := openStringTable(t, dir)
	value, _ := tbl.Get("a")
	assert.Equal(t, "3", value)
	value, _ = tbl.Get("b")
	assert.Equal(t, "1", value)

	// Replayed log records stay logged until a snapshot covers them.
	assert.Equal(t, 2, tbl.Stats().MergedCount)
}

func TestTable_CorruptedFilesFailOpen(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad count", "db.txt", "abc a 1 "},
		{"negative count", "db.txt", "-1 "},
		{"truncated snapshot", "db.txt", "2 a 1 "},
		{"missing value", "logs.txt", "1 a"},
		{"bad offset", "logs.txt", "1 a x "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.content), 0644))

			_, err := OpenTable[string, uint64](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), OffsetCodec{}, testTableConfig())
			assert.ErrorIs(t, err, ErrCorruptedFile)
		})
	}
}

func TestTable_CorruptedRecordReportsUnexpectedEOF(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs.txt"), []byte("3 a 1 b 2 "), 0644))

	_, err := OpenTable[string, string](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), StringCodec{}, testTableConfig())
	require.ErrorIs(t, err, ErrCorruptedFile)
	assert.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())
}

func TestTable_BackgroundCompaction(t *testing.T) {
	dir := t.TempDir()
	config := testTableConfig()
	config.CompactionInterval = 10 * time.Millisecond

	tbl, err := OpenTable[string, string](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), StringCodec{}, config)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put("a", "1"))

	assert.Eventually(t, func() bool {
		return tbl.Stats().Compactions > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "db.txt"))
		return err == nil && string(data) == "1 a 1 "
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTable_CloseIsPrompt(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable[string, string](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), StringCodec{}, testTableConfig())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tbl.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func TestTable_ClosePersistsPendingWrites(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable[string, string](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), StringCodec{}, testTableConfig())
	require.NoError(t, err)

	require.NoError(t, tbl.Put("a", "1"))
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	assert.Equal(t, "1 a 1 ", readFile(t, filepath.Join(dir, "db.txt")))
	assert.Equal(t, "0 ", readFile(t, filepath.Join(dir, "logs.txt")))
	assert.ErrorIs(t, tbl.Put("b", "2"), ErrClosed)

	restarted := openStringTable(t, dir)
	value, ok := restarted.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
}

// bytesCodec stores []byte values, which alias when copied.
type bytesCodec struct{}

func (bytesCodec) Write(w io.Writer, key string, value []byte) error {
	_, err := fmt.Fprintf(w, "%s %s ", key, value)
	return err
}

func (bytesCodec) Read(tokens *Tokens) (string, []byte, error) {
	key, value, err := tokens.pair()
	return key, []byte(value), err
}

func (bytesCodec) Clone(value []byte) []byte {
	return append([]byte(nil), value...)
}

func TestTable_GetReturnsOwnedCopy(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable[string, []byte](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), bytesCodec{}, testTableConfig())
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put("k", []byte("value")))

	got, ok := tbl.Get("k")
	require.True(t, ok)
	got[0] = 'X'

	again, _ := tbl.Get("k")
	assert.Equal(t, []byte("value"), again)

	require.NoError(t, tbl.FlushLog())
	got, _ = tbl.Get("k")
	got[0] = 'Y'
	again, _ = tbl.Get("k")
	assert.Equal(t, []byte("value"), again)
}

func TestTable_ConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	config := testTableConfig()
	config.CompactionInterval = time.Millisecond

	tbl, err := OpenTable[string, uint64](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), OffsetCodec{}, config)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				assert.NoError(t, tbl.Put(key, uint64(i)))
				got, ok := tbl.Get(key)
				assert.True(t, ok)
				assert.Equal(t, uint64(i), got)
				if i%50 == 0 {
					assert.NoError(t, tbl.FlushLog())
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, tbl.Close())

	restarted, err := OpenTable[string, uint64](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), OffsetCodec{}, testTableConfig())
	require.NoError(t, err)
	defer restarted.Close()

	assert.Equal(t, writers*perWriter, restarted.Stats().KeyCount)
	for w := 0; w < writers; w++ {
		got, ok := restarted.Get(fmt.Sprintf("w%d-k%d", w, perWriter-1))
		assert.True(t, ok)
		assert.Equal(t, uint64(perWriter-1), got)
	}
}

func BenchmarkTable_Put(b *testing.B) {
	dir := b.TempDir()
	tbl, _ := OpenTable[string, uint64](filepath.Join(dir, "db.txt"), filepath.Join(dir, "logs.txt"), OffsetCodec{}, DefaultTableConfig())
	defer tbl.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tbl.Put(fmt.Sprintf("key%010d", i), uint64(i))
	}
}
