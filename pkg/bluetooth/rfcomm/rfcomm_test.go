// Universal Chess Relay
// Copyright (c) 2026 The Universal Chess Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Universal Chess Relay.
//
// Universal Chess Relay is free software: you can redistribute it and/or
// modify it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Universal Chess Relay is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Universal Chess Relay.  If not, see <http://www.gnu.org/licenses/>.

package rfcomm

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type callRecord struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

type fakeConn struct {
	exports map[string]any
	calls   []callRecord
	mu      sync.Mutex
}

func newFakeConn() *fakeConn {
	return &fakeConn{exports: make(map[string]any)}
}

func (f *fakeConn) Export(v any, path dbus.ObjectPath, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[string(path)+"|"+iface] = v
	return nil
}

func (f *fakeConn) Object(_ string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeBusObject{conn: f, path: path}
}

func (f *fakeConn) methodCalls(method string) []callRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []callRecord
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeBusObject struct {
	dbus.BusObject
	conn *fakeConn
	path dbus.ObjectPath
}

func (o *fakeBusObject) Call(method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.conn.mu.Lock()
	o.conn.calls = append(o.conn.calls, callRecord{path: o.path, method: method, args: args})
	o.conn.mu.Unlock()
	return &dbus.Call{}
}

type rfcommHarness struct {
	conn   *fakeConn
	server *Server
	data   chan []byte
	ups    chan struct{}
	downs  chan struct{}
}

func newRfcommHarness(t *testing.T) *rfcommHarness {
	t.Helper()
	h := &rfcommHarness{
		conn:  newFakeConn(),
		data:  make(chan []byte, 16),
		ups:   make(chan struct{}, 4),
		downs: make(chan struct{}, 4),
	}
	server, err := New(Config{
		Conn:   h.conn,
		Name:   "MILLENNIUM CHESS",
		OnData: func(d []byte) { h.data <- d },
		OnUp:   func() { h.ups <- struct{}{} },
		OnDown: func() { h.downs <- struct{}{} },
	})
	require.NoError(t, err)
	h.server = server
	require.NoError(t, server.Activate())
	t.Cleanup(func() { require.NoError(t, server.Close()) })
	return h
}

// socketPair returns a connected pair; the first fd is handed to the server
// as if bluetoothd had accepted it, the second plays the remote client.
func socketPair(t *testing.T) (serverFD int, client *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	client = os.NewFile(uintptr(fds[1]), "client")
	t.Cleanup(func() { _ = client.Close() })
	return fds[0], client
}

func TestActivateRegistersSerialProfile(t *testing.T) {
	t.Parallel()

	h := newRfcommHarness(t)

	calls := h.conn.methodCalls(profileManagerInterface + ".RegisterProfile")
	require.Len(t, calls, 1)
	assert.Equal(t, bluezRootPath, calls[0].path)
	assert.Equal(t, profilePath, calls[0].args[0])
	assert.Equal(t, serialPortUUID, calls[0].args[1])
	options, ok := calls[0].args[2].(map[string]dbus.Variant)
	require.True(t, ok)
	assert.Equal(t, "MILLENNIUM CHESS", options["Name"].Value())
	assert.Equal(t, DefaultChannel, options["Channel"].Value())
	assert.Equal(t, "server", options["Role"].Value())
}

func TestClientBytesFlowBothWays(t *testing.T) {
	t.Parallel()

	h := newRfcommHarness(t)
	fd, client := socketPair(t)

	require.Nil(t, h.server.NewConnection("/org/bluez/hci0/dev_AA", dbus.UnixFD(fd), nil))
	select {
	case <-h.ups:
	case <-time.After(time.Second):
		t.Fatal("connection not reported")
	}

	_, err := client.Write([]byte("V56"))
	require.NoError(t, err)
	select {
	case got := <-h.data:
		assert.Equal(t, []byte("V56"), got)
	case <-time.After(time.Second):
		t.Fatal("inbound bytes never delivered")
	}

	require.NoError(t, h.server.Write([]byte("v3130")))
	reply := make([]byte, 16)
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3130"), reply[:n])
}

func TestSecondClientRefused(t *testing.T) {
	t.Parallel()

	h := newRfcommHarness(t)
	fd1, _ := socketPair(t)
	fd2, second := socketPair(t)

	require.Nil(t, h.server.NewConnection("/org/bluez/hci0/dev_AA", dbus.UnixFD(fd1), nil))
	<-h.ups

	derr := h.server.NewConnection("/org/bluez/hci0/dev_BB", dbus.UnixFD(fd2), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)

	// The refused fd was closed, so the remote end sees EOF.
	buf := make([]byte, 1)
	_, err := second.Read(buf)
	assert.Error(t, err)
}

func TestClientDisconnectReported(t *testing.T) {
	t.Parallel()

	h := newRfcommHarness(t)
	fd, client := socketPair(t)

	require.Nil(t, h.server.NewConnection("/org/bluez/hci0/dev_AA", dbus.UnixFD(fd), nil))
	<-h.ups

	require.NoError(t, client.Close())
	select {
	case <-h.downs:
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, h.server.Connected())

	require.Error(t, h.server.Write([]byte("x")), "writes after disconnect must fail")
}

func TestWriteWithoutClientFails(t *testing.T) {
	t.Parallel()

	h := newRfcommHarness(t)
	require.Error(t, h.server.Write([]byte("V")))
}

func TestCloseUnregistersProfile(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	server, err := New(Config{Conn: conn, Name: "DGT Pegasus"})
	require.NoError(t, err)
	require.NoError(t, server.Activate())
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	require.Len(t, conn.methodCalls(profileManagerInterface+".UnregisterProfile"), 1)
}
