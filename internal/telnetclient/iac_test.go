package telnetclient

import (
	"bytes"
	"testing"
)

func TestFeedPlainData(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	data, replies := n.Feed([]byte("hello"))
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
	if len(replies) != 0 {
		t.Errorf("got %d reply bytes, want none", len(replies))
	}
}

func TestFeedPartialIACAcrossChunks(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)

	data1, replies1 := n.Feed([]byte{0x41, 0x42, cmdIAC})
	data2, replies2 := n.Feed([]byte{cmdDO, optEcho, 0x43})

	got := string(data1) + string(data2)
	if got != "ABC" {
		t.Errorf("cleaned data = %q, want %q", got, "ABC")
	}
	all := append(replies1, replies2...)
	want := []byte{cmdIAC, cmdWILL, optEcho}
	if !bytes.Equal(all, want) {
		t.Errorf("replies = %v, want exactly one IAC WILL ECHO (%v)", all, want)
	}
}

func TestFeedEscapedIAC(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	data, _ := n.Feed([]byte{0x01, cmdIAC, cmdIAC, 0x02})
	if !bytes.Equal(data, []byte{0x01, 0xFF, 0x02}) {
		t.Errorf("got %v, want IAC IAC decoded to single 0xFF", data)
	}
}

func TestDoNAWSRepliesWillAndReport(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	_, replies := n.Feed([]byte{cmdIAC, cmdDO, optNAWS})

	want := []byte{
		cmdIAC, cmdWILL, optNAWS,
		cmdIAC, cmdSB, optNAWS, 0, 80, 0, 24, cmdIAC, cmdSE,
	}
	if !bytes.Equal(replies, want) {
		t.Errorf("got %v, want WILL NAWS followed by size report %v", replies, want)
	}
}

func TestDoUnsupportedOptionRefused(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	_, replies := n.Feed([]byte{cmdIAC, cmdDO, 99})
	if !bytes.Equal(replies, []byte{cmdIAC, cmdWONT, 99}) {
		t.Errorf("got %v, want WONT for unsupported option", replies)
	}
}

func TestDuplicateDoAnsweredOnce(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	n.Feed([]byte{cmdIAC, cmdDO, optEcho})
	_, replies := n.Feed([]byte{cmdIAC, cmdDO, optEcho})
	if len(replies) != 0 {
		t.Errorf("got %v, want no reply to repeated DO", replies)
	}
}

func TestWillResponses(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	_, replies := n.Feed([]byte{cmdIAC, cmdWILL, optSGA, cmdIAC, cmdWILL, 42})
	want := []byte{cmdIAC, cmdDO, optSGA, cmdIAC, cmdDONT, 42}
	if !bytes.Equal(replies, want) {
		t.Errorf("got %v, want DO SGA then DONT 42", replies)
	}
}

func TestTerminalTypeSubnegotiation(t *testing.T) {
	n := NewNegotiator("vt100", 24, 80)
	seq := []byte{cmdIAC, cmdSB, optTerminalType, ttSend, cmdIAC, cmdSE}
	data, replies := n.Feed(seq)
	if len(data) != 0 {
		t.Errorf("subnegotiation leaked %v into data", data)
	}
	want := append([]byte{cmdIAC, cmdSB, optTerminalType, ttIs}, []byte("vt100")...)
	want = append(want, cmdIAC, cmdSE)
	if !bytes.Equal(replies, want) {
		t.Errorf("got %v, want TERMINAL-TYPE IS vt100", replies)
	}
}

func TestSubnegotiationSplitAcrossChunks(t *testing.T) {
	n := NewNegotiator("vt100", 24, 80)
	n.Feed([]byte{cmdIAC, cmdSB, optTerminalType})
	data, replies := n.Feed([]byte{ttSend, cmdIAC, cmdSE, 'x'})
	if string(data) != "x" {
		t.Errorf("got data %q, want trailing payload preserved", data)
	}
	if len(replies) == 0 {
		t.Error("split subnegotiation produced no reply")
	}
}

func TestResizeAfterNAWS(t *testing.T) {
	n := NewNegotiator("xterm", 24, 80)
	if got := n.Resize(50, 132); got != nil {
		t.Errorf("got %v, want nil report before NAWS agreed", got)
	}
	n.Feed([]byte{cmdIAC, cmdDO, optNAWS})
	report := n.Resize(50, 132)
	want := []byte{cmdIAC, cmdSB, optNAWS, 0, 132, 0, 50, cmdIAC, cmdSE}
	if !bytes.Equal(report, want) {
		t.Errorf("got %v, want %v", report, want)
	}
}

func TestIACRoundTripPreservesPayload(t *testing.T) {
	payload := []byte{0x00, 0x41, 0xFF, 0x42, 0xFF, 0xFF, 0x7F}
	wire := EscapeOutput(payload)

	n := NewNegotiator("xterm", 24, 80)
	// feed the wire form one byte at a time to stress the buffering
	var got []byte
	for _, b := range wire {
		data, _ := n.Feed([]byte{b})
		got = append(got, data...)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip got %v, want %v", got, payload)
	}
}

func TestEscapeOutputNoIAC(t *testing.T) {
	p := []byte("plain")
	if got := EscapeOutput(p); !bytes.Equal(got, p) {
		t.Errorf("got %v, want input unchanged", got)
	}
}
