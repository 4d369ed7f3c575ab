package processes

import (
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStreamCallbackOrder(t *testing.T) {
	s := NewStream("stdout", nil)
	var calls []string
	s.AddCallback("first", func(line string) { calls = append(calls, "first:"+line) })
	s.AddCallback("second", func(line string) { calls = append(calls, "second:"+line) })
	// Re-registering keeps the original position.
	s.AddCallback("first", func(line string) { calls = append(calls, "FIRST:"+line) })

	s.Dispatch("a")
	s.Dispatch("b")

	want := []string{"FIRST:a", "second:a", "FIRST:b", "second:b"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("Expected %v, got %v", want, calls)
	}
}

func TestStreamSelfRemovingCallback(t *testing.T) {
	s := NewStream("stdout", nil)
	var seen []string
	s.AddCallback("once", func(line string) {
		seen = append(seen, line)
		s.RemoveCallback("once")
	})
	s.AddCallback("after", func(line string) { seen = append(seen, "after:"+line) })

	s.Dispatch("x")
	s.Dispatch("y")

	want := []string{"x", "after:x", "after:y"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("Expected %v, got %v", want, seen)
	}
	if s.HasCallback("once") {
		t.Error("Expected callback to be removed")
	}
	if s.RemoveCallback("once") {
		t.Error("Expected removing an absent callback to report false")
	}
}

func TestStreamAsyncCallbacks(t *testing.T) {
	s := NewStream("stderr", nil)
	got := make(chan string, 2)
	s.AddAsyncCallback("panics", func(line string) { panic("broadcast failed") })
	s.AddAsyncCallback("collect", func(line string) { got <- line })

	s.Dispatch("one")
	s.Dispatch("two")

	var lines []string
	for i := 0; i < 2; i++ {
		select {
		case line := <-got:
			lines = append(lines, line)
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for async callback")
		}
	}
	if len(lines) != 2 {
		t.Errorf("Expected 2 async deliveries, got %v", lines)
	}

	if !s.RemoveAsyncCallback("collect") {
		t.Error("Expected async callback to be removed")
	}
}

func TestStreamConsumeTrimsLines(t *testing.T) {
	s := NewStream("stdout", nil)
	var lines []string
	s.AddCallback("collect", func(line string) { lines = append(lines, line) })

	if err := s.Consume(strings.NewReader("  first \nsecond\r\n\tthird")); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %v, got %v", want, lines)
	}
}

func TestStreamsInterleaved(t *testing.T) {
	stdout := NewStream("stdout", nil)
	stderr := NewStream("stderr", nil)

	var mu sync.Mutex
	var merged []string
	collect := func(prefix string) LineFunc {
		return func(line string) {
			mu.Lock()
			defer mu.Unlock()
			merged = append(merged, prefix+line)
		}
	}
	stdout.AddCallback("collect", collect("out:"))
	stderr.AddCallback("collect", collect("err:"))

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stdout.Consume(outR) }()
	go func() { defer wg.Done(); stderr.Consume(errR) }()

	for i := 0; i < 50; i++ {
		io.WriteString(outW, "line"+string(rune('A'+i%26))+"\n")
		io.WriteString(errW, "line"+string(rune('a'+i%26))+"\n")
	}
	outW.Close()
	errW.Close()
	wg.Wait()

	var outs, errs []string
	for _, line := range merged {
		switch {
		case strings.HasPrefix(line, "out:"):
			outs = append(outs, strings.TrimPrefix(line, "out:"))
		case strings.HasPrefix(line, "err:"):
			errs = append(errs, strings.TrimPrefix(line, "err:"))
		}
	}
	if len(outs) != 50 || len(errs) != 50 {
		t.Fatalf("Expected 50 lines per stream, got %d and %d", len(outs), len(errs))
	}
	for i := 0; i < 50; i++ {
		if outs[i] != "line"+string(rune('A'+i%26)) {
			t.Fatalf("stdout line %d out of order: %s", i, outs[i])
		}
		if errs[i] != "line"+string(rune('a'+i%26)) {
			t.Fatalf("stderr line %d out of order: %s", i, errs[i])
		}
	}
}
