package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lioen-dev/kiwiOS/kernel/block"
	"github.com/lioen-dev/kiwiOS/kernel/block/cache"
	"github.com/lioen-dev/kiwiOS/kernel/kfmt"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line     string
		wantCmd  string
		wantArgs string
	}{
		{"help", "help", ""},
		{"  cache   0  ", "cache", "0  "},
		{"", "", ""},
		{"panic", "panic", ""},
	}
	for _, c := range cases {
		cmd, args := splitCommand(c.line)
		if cmd != c.wantCmd || args != c.wantArgs {
			t.Fatalf("splitCommand(%q) = (%q, %q), want (%q, %q)", c.line, cmd, args, c.wantCmd, c.wantArgs)
		}
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	buf := captureOutput(t)
	execute("bogus")
	if !strings.Contains(buf.String(), "unknown command: bogus") {
		t.Fatalf("expected an unknown-command message, got %q", buf.String())
	}
}

func TestExecuteHelpListsCommands(t *testing.T) {
	buf := captureOutput(t)
	execute("help")
	for _, want := range []string{"meminfo", "lsblk", "cache", "panic"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected help output to mention %q, got %q", want, buf.String())
		}
	}
}

func TestCmdLsblkListsRegisteredDevices(t *testing.T) {
	buf := captureOutput(t)
	registeredDisks = []*block.Device{
		{Name: "ahci0", SectorSize: 512, TotalSectors: 1000},
	}
	t.Cleanup(func() { registeredDisks = nil })

	execute("lsblk")
	if !strings.Contains(buf.String(), "ahci0") {
		t.Fatalf("expected lsblk output to list ahci0, got %q", buf.String())
	}
}

func TestCmdLsblkWithNoDevices(t *testing.T) {
	buf := captureOutput(t)
	registeredDisks = nil

	execute("lsblk")
	if !strings.Contains(buf.String(), "no block devices") {
		t.Fatalf("expected a no-devices message, got %q", buf.String())
	}
}

func TestCmdCacheReportsStats(t *testing.T) {
	dev := &block.Device{Name: "ahci0"}
	registeredDisks = []*block.Device{dev}
	t.Cleanup(func() { registeredDisks = nil })

	realFn := cacheStatsFn
	t.Cleanup(func() { cacheStatsFn = realFn })
	cacheStatsFn = func(d *block.Device) (cache.Stats, bool) {
		if d != dev {
			return cache.Stats{}, false
		}
		return cache.Stats{TotalBufs: 128, UsedBufs: 4, Hits: 10, Misses: 2}, true
	}

	buf := captureOutput(t)
	execute("cache 0")
	if !strings.Contains(buf.String(), "hits=10") {
		t.Fatalf("expected cache stats in output, got %q", buf.String())
	}
}

func TestCmdCacheRejectsBadIndex(t *testing.T) {
	registeredDisks = nil
	buf := captureOutput(t)
	execute("cache nope")
	if !strings.Contains(buf.String(), "usage:") {
		t.Fatalf("expected a usage message, got %q", buf.String())
	}
}

func TestExecutePanicInvokesPanicHook(t *testing.T) {
	called := false
	realHook := panicHook
	t.Cleanup(func() { panicHook = realHook })
	panicHook = func() { called = true }

	execute("panic")
	if !called {
		t.Fatal("expected the panic command to invoke panicHook")
	}
}

func TestRunWithoutInputSourceReturnsImmediately(t *testing.T) {
	buf := captureOutput(t)
	realRead := readByteFn
	t.Cleanup(func() { readByteFn = realRead })
	readByteFn = nil

	Run()

	if !strings.Contains(buf.String(), "shell disabled") {
		t.Fatalf("expected a disabled-shell message, got %q", buf.String())
	}
}
