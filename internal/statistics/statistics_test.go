package statistics

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunTalliesScansAndSoftErrors(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, true, false)

	rx := make(chan Msg, 10)
	rx <- Msg{Kind: MsgScan, Bytes: 100, Ext: "txt"}
	rx <- Msg{Kind: MsgScan, Bytes: 200, Ext: "zip"}
	rx <- Msg{Kind: MsgSoftError}
	close(rx)

	c.Run(rx)

	if c.SoftErrors() != 1 {
		t.Fatalf("SoftErrors() = %d, want 1", c.SoftErrors())
	}
	out := buf.String()
	if !strings.Contains(out, "2 files") {
		t.Fatalf("summary missing file count: %q", out)
	}
	if !strings.Contains(out, "1 soft errors") {
		t.Fatalf("summary missing soft-error count: %q", out)
	}
	if !strings.Contains(out, "zip") {
		t.Fatalf("detailed summary missing per-extension breakdown: %q", out)
	}
}

func TestExtLowercasesAndStripsDot(t *testing.T) {
	if Ext("/a/b/FILE.ZIP") != "zip" {
		t.Fatalf("Ext = %q, want zip", Ext("/a/b/FILE.ZIP"))
	}
	if Ext("/a/b/noext") != "" {
		t.Fatalf("Ext = %q, want empty", Ext("/a/b/noext"))
	}
}

func TestRunWithNoMessages(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, false, false)
	rx := make(chan Msg)
	close(rx)
	c.Run(rx)
	if c.SoftErrors() != 0 {
		t.Fatalf("expected 0 soft errors, got %d", c.SoftErrors())
	}
}
