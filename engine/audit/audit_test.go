package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskping/taskping/engine/audit"
	"github.com/taskping/taskping/engine/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecorder(t *testing.T) {
	t.Run("Should append one JSON line per transition", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		rec, err := audit.NewFileRecorder(path)
		require.NoError(t, err)
		defer rec.Close()
		token := core.MustNewID()
		require.NoError(t, rec.Record(context.Background(), audit.Entry{
			Timestamp: time.Now(), Token: token, TaskID: "T1",
			From: core.StatusPending, To: core.StatusDispatched, Reason: "dispatch",
		}))
		require.NoError(t, rec.Record(context.Background(), audit.Entry{
			Timestamp: time.Now(), Token: token, TaskID: "T1",
			From: core.StatusDispatched, To: core.StatusAwaitingResponse, Reason: "ack",
		}))
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		var lines []audit.Entry
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var entry audit.Entry
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			lines = append(lines, entry)
		}
		require.Len(t, lines, 2)
		assert.Equal(t, core.StatusDispatched, lines[0].To)
		assert.Equal(t, core.StatusAwaitingResponse, lines[1].To)
		assert.Equal(t, token, lines[1].Token)
	})
	t.Run("Should survive concurrent appends", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		rec, err := audit.NewFileRecorder(path)
		require.NoError(t, err)
		defer rec.Close()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = rec.Record(context.Background(), audit.Entry{Token: core.MustNewID()})
			}()
		}
		wg.Wait()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		count := 0
		for _, b := range data {
			if b == '\n' {
				count++
			}
		}
		assert.Equal(t, 20, count)
	})
}

func TestMemoryRecorder(t *testing.T) {
	t.Run("Should collect entries in order", func(t *testing.T) {
		rec := audit.NewMemoryRecorder()
		_ = rec.Record(context.Background(), audit.Entry{Reason: "first"})
		_ = rec.Record(context.Background(), audit.Entry{Reason: "second"})
		entries := rec.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "first", entries[0].Reason)
	})
}
