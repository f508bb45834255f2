package log

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWritesLogFile(t *testing.T) {
	orig := logFileName
	logFileName = t.TempDir() + "/genbatch.log"
	t.Cleanup(func() { logFileName = orig })

	Initialize(false)
	InfoLog.Printf("batch %s started", "b1")
	ErrorLog.Println("something broke")
	Close()
	Close()

	data, err := os.ReadFile(FileName())
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO:")
	assert.Contains(t, string(data), "batch b1 started")
	assert.Contains(t, string(data), "ERROR:")
}

func TestEvery(t *testing.T) {
	e := NewEvery(50 * time.Millisecond)
	assert.True(t, e.ShouldLog())
	assert.False(t, e.ShouldLog())
	assert.Eventually(t, e.ShouldLog, time.Second, 10*time.Millisecond)
}

func TestEveryConcurrent(t *testing.T) {
	e := NewEvery(time.Hour)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if e.ShouldLog() {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{strings.Repeat("a", 12), 10, "aaaaaaa..."},
		{"abcdef", 3, "abcdef"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
	}
}
