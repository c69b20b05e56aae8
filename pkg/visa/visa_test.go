package visa

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		input       string
		expected    string
		expectError bool
	}{
		{"192.168.1.5:5025", "192.168.1.5:5025", false},
		{"localhost:5025", "localhost:5025", false},
		{"TCPIP::192.168.1.5::SOCKET", "192.168.1.5:5025", false},
		{"TCPIP0::192.168.1.5::5025::SOCKET", "192.168.1.5:5025", false},
		{"tcpip::psu.lab::5026::socket", "psu.lab:5026", false},
		{"192.168.1.5", "", true},
		{"GPIB0::6::INSTR", "", true},
		{"TCPIP::host::5025::INSTR", "", true},
		{"TCPIP::a::b::c::SOCKET", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			hostPort, err := ParseResource(tc.input)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, hostPort)
			}
		})
	}
}

// startInstrument runs a one-connection fake instrument that answers
// every query line with the given reply.
func startInstrument(t *testing.T, reply string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasSuffix(strings.TrimSpace(line), "?") {
				conn.Write([]byte(reply + "\n"))
			}
		}
	}()

	return ln.Addr().String()
}

func TestDialQuery(t *testing.T) {
	addr := startInstrument(t, "Keithley Instruments, 2230G-30-1, 9203269, 1.16-1.04")

	session, err := Dial(addr, 2*time.Second)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Write("INST:NSEL 1"))

	reply, err := session.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Keithley Instruments, 2230G-30-1, 9203269, 1.16-1.04", reply)
}

func TestDialUnreachable(t *testing.T) {
	// Reserved TEST-NET-1 address, nothing listens there.
	_, err := Dial("192.0.2.1:5025", 50*time.Millisecond)
	assert.Error(t, err)
}

func TestQueryTimeout(t *testing.T) {
	// Instrument that never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	session, err := Dial(ln.Addr().String(), 100*time.Millisecond)
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Query("*IDN?")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestResourceManager(t *testing.T) {
	rm := NewResourceManager([]string{"b:5025", "a:5025", ""})
	rm.Add("c:5025")
	rm.Add("a:5025")
	rm.Add("")

	assert.Equal(t, []string{"a:5025", "b:5025", "c:5025"}, rm.ListResources())
}

func TestProbe(t *testing.T) {
	rm := NewResourceManager(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.True(t, rm.Probe(ln.Addr().String(), time.Second))
	assert.False(t, rm.Probe("127.0.0.1:1", 100*time.Millisecond))
	assert.False(t, rm.Probe("not a resource", time.Second))
}
