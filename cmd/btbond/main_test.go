//go:build linux

package main

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestReadIndex(t *testing.T) {
	lines := readLines(strings.NewReader("x\n7\n 1 \n"))
	i, err := readIndex(context.Background(), lines, 2)
	if err != nil {
		t.Fatal(err)
	}
	if i != 1 {
		t.Errorf("index = %d, want 1", i)
	}
}

func TestReadIndexClosedInput(t *testing.T) {
	lines := readLines(strings.NewReader("9\n"))

	done := make(chan error, 1)
	go func() {
		_, err := readIndex(context.Background(), lines, 2)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error once input is exhausted")
		}
	case <-time.After(time.Second):
		t.Fatal("readIndex did not return after EOF")
	}
}

func TestReadIndexCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := readIndex(ctx, make(chan string), 2); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}

func TestReadLinesSharedWithSender(t *testing.T) {
	lines := readLines(strings.NewReader("0\nhello\nworld\n"))
	if _, err := readIndex(context.Background(), lines, 1); err != nil {
		t.Fatal(err)
	}
	var rest []string
	for l := range lines {
		rest = append(rest, l)
	}
	if strings.Join(rest, ",") != "hello,world" {
		t.Errorf("remaining lines = %q", rest)
	}
}
