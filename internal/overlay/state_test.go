package overlay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_Placeholder(t *testing.T) {
	assert.Equal(t, "starting", New("").Current())
	assert.Equal(t, "waiting", New("waiting").Current())
	assert.Equal(t, uint64(0), New("").Version())
}

func TestState_LastWriteWins(t *testing.T) {
	s := New("")
	s.Publish("a")
	s.Publish("b")
	s.Publish("")

	assert.Equal(t, "", s.Current(), "empty records are published verbatim")
	assert.Equal(t, uint64(3), s.Version())
}

func TestState_Deferred(t *testing.T) {
	s := NewDeferred("")
	assert.True(t, s.Deferred())

	assert.False(t, s.ApplyPending())

	s.Publish("one")
	s.Publish("two")
	assert.Equal(t, "starting", s.Current(), "records wait for the refresh tick")

	assert.True(t, s.ApplyPending())
	assert.Equal(t, "two", s.Current())
	assert.Equal(t, uint64(1), s.Version())

	assert.False(t, s.ApplyPending(), "pending slot is cleared after apply")
	assert.Equal(t, "two", s.Current())
}

func TestState_ConcurrentReaders(t *testing.T) {
	s := New("")
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Publish("x")
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				text, _ := s.Snapshot()
				if text != "starting" && text != "x" {
					t.Errorf("unexpected caption %q", text)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), s.Version())
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"<b>&#60;alice&#62;</b> hello", "<alice> hello"},
		{"<span foreground=\"red\">x</span> &amp; y", "x & y"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripMarkup(tt.in))
	}
}
