// Package telnetclient dials outbound Telnet connections, negotiates RFC 854
// options and performs scripted login before handing the byte stream to the
// socket bridge.
package telnetclient

import "sync"

// Telnet command and option bytes (RFC 854 / 855).
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255

	optEcho         = 1
	optSGA          = 3
	optTerminalType = 24
	optNAWS         = 31

	ttSend = 1
	ttIs   = 0
)

type negotiateState int

const (
	stData negotiateState = iota
	stIAC
	stCmd
	stSB
	stSBIAC
)

// Negotiator is the inbound IAC state machine. It strips negotiation bytes
// from the data stream, buffers partial sequences across chunks and produces
// the protocol replies the peer expects. It is safe for one reader goroutine;
// Resize may be called concurrently.
type Negotiator struct {
	mu    sync.Mutex
	state negotiateState
	cmd   byte
	sub   []byte

	term string
	rows int
	cols int

	// options we have already agreed to, keyed by option byte
	agreedWill map[byte]bool
}

// NewNegotiator builds a state machine announcing the given terminal type
// and geometry.
func NewNegotiator(term string, rows, cols int) *Negotiator {
	if term == "" {
		term = "xterm"
	}
	if rows < 1 {
		rows = 24
	}
	if cols < 1 {
		cols = 80
	}
	return &Negotiator{
		term:       term,
		rows:       rows,
		cols:       cols,
		agreedWill: make(map[byte]bool),
	}
}

// Feed consumes one inbound chunk. It returns the cleaned payload bytes and
// the negotiation replies that must be written back to the peer.
func (n *Negotiator) Feed(chunk []byte) (data, replies []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, b := range chunk {
		switch n.state {
		case stData:
			if b == cmdIAC {
				n.state = stIAC
			} else {
				data = append(data, b)
			}

		case stIAC:
			switch b {
			case cmdIAC:
				// escaped 0xFF payload byte
				data = append(data, cmdIAC)
				n.state = stData
			case cmdDO, cmdDONT, cmdWILL, cmdWONT:
				n.cmd = b
				n.state = stCmd
			case cmdSB:
				n.sub = n.sub[:0]
				n.state = stSB
			default:
				// NOP, GA and friends carry no option byte
				n.state = stData
			}

		case stCmd:
			replies = append(replies, n.respond(n.cmd, b)...)
			n.state = stData

		case stSB:
			if b == cmdIAC {
				n.state = stSBIAC
			} else {
				n.sub = append(n.sub, b)
			}

		case stSBIAC:
			if b == cmdSE {
				replies = append(replies, n.subnegotiate(n.sub)...)
				n.state = stData
			} else {
				// IAC IAC inside subnegotiation is a literal 0xFF
				n.sub = append(n.sub, b)
				n.state = stSB
			}
		}
	}
	return data, replies
}

// respond answers a single DO/DONT/WILL/WONT.
func (n *Negotiator) respond(cmd, opt byte) []byte {
	switch cmd {
	case cmdDO:
		switch opt {
		case optEcho, optSGA, optTerminalType:
			if n.agreedWill[opt] {
				return nil
			}
			n.agreedWill[opt] = true
			return []byte{cmdIAC, cmdWILL, opt}
		case optNAWS:
			if n.agreedWill[opt] {
				return nil
			}
			n.agreedWill[opt] = true
			out := []byte{cmdIAC, cmdWILL, optNAWS}
			return append(out, n.nawsReport()...)
		default:
			return []byte{cmdIAC, cmdWONT, opt}
		}
	case cmdDONT:
		delete(n.agreedWill, opt)
		return []byte{cmdIAC, cmdWONT, opt}
	case cmdWILL:
		switch opt {
		case optEcho, optSGA:
			return []byte{cmdIAC, cmdDO, opt}
		default:
			return []byte{cmdIAC, cmdDONT, opt}
		}
	case cmdWONT:
		return []byte{cmdIAC, cmdDONT, opt}
	}
	return nil
}

// subnegotiate handles IAC SB ... IAC SE bodies.
func (n *Negotiator) subnegotiate(body []byte) []byte {
	if len(body) >= 2 && body[0] == optTerminalType && body[1] == ttSend {
		out := []byte{cmdIAC, cmdSB, optTerminalType, ttIs}
		out = append(out, []byte(n.term)...)
		return append(out, cmdIAC, cmdSE)
	}
	return nil
}

// nawsReport encodes the current geometry as a NAWS subnegotiation.
func (n *Negotiator) nawsReport() []byte {
	w, h := n.cols, n.rows
	return []byte{
		cmdIAC, cmdSB, optNAWS,
		byte(w >> 8), byte(w), byte(h >> 8), byte(h),
		cmdIAC, cmdSE,
	}
}

// Resize updates the geometry. If NAWS was negotiated, it returns the report
// to send; otherwise nil.
func (n *Negotiator) Resize(rows, cols int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rows >= 1 {
		n.rows = rows
	}
	if cols >= 1 {
		n.cols = cols
	}
	if !n.agreedWill[optNAWS] {
		return nil
	}
	return n.nawsReport()
}

// EscapeOutput doubles 0xFF bytes so payload data survives the IAC framing.
func EscapeOutput(p []byte) []byte {
	needs := false
	for _, b := range p {
		if b == cmdIAC {
			needs = true
			break
		}
	}
	if !needs {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		out = append(out, b)
		if b == cmdIAC {
			out = append(out, cmdIAC)
		}
	}
	return out
}
