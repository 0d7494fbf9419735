package proxy

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonnylloyd/siprelay/pkg/sip"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

func inviteFromClient(callID string) *sip.Message {
	return sip.Parse(strings.Join([]string{
		"INVITE sip:bob@pbx.internal SIP/2.0",
		"Via: SIP/2.0/UDP 192.0.2.10:5090;branch=z9hG4bKclient;rport",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n"))
}

func TestStoreMergesAcrossCalls(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())

	table.Store("call-1", "192.0.2.10", 5090, StoreOptions{
		Request: inviteFromClient("call-1"),
	})
	table.Store("call-1", "192.0.2.10", 5090, StoreOptions{
		ProxyBranch: "z9hG4bKproxy",
		UpstreamKey: "10.0.0.50:5061",
	})

	info, ok := table.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", info.Address)
	assert.Equal(t, 5090, info.Port)
	assert.Equal(t, "z9hG4bKclient", info.Branch)
	assert.True(t, info.RPort)
	assert.Equal(t, "z9hG4bKproxy", info.ProxyBranch)
	assert.Equal(t, "10.0.0.50:5061", info.UpstreamKey)
}

func TestExplicitBranchOverridesDerived(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())

	noRPort := false
	table.Store("call-2", "192.0.2.10", 5090, StoreOptions{
		Request: inviteFromClient("call-2"),
		Branch:  "z9hG4bKexplicit",
		RPort:   &noRPort,
	})

	info, ok := table.Get("call-2")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bKexplicit", info.Branch)
	assert.False(t, info.RPort)
}

func TestSlidingExpiry(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())
	now := time.Now()
	table.now = func() time.Time { return now }

	table.Store("call-3", "192.0.2.10", 5090, StoreOptions{})

	// Reads inside the window keep the entry alive past the original deadline.
	now = now.Add(20 * time.Second)
	_, ok := table.Get("call-3")
	require.True(t, ok)

	now = now.Add(20 * time.Second)
	_, ok = table.Get("call-3")
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = table.Get("call-3")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}

func TestSweepEvictsExpiredOnly(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())
	now := time.Now()
	table.now = func() time.Time { return now }

	table.Store("old", "192.0.2.10", 5090, StoreOptions{})
	now = now.Add(20 * time.Second)
	table.Store("fresh", "192.0.2.11", 5090, StoreOptions{})
	now = now.Add(15 * time.Second)

	assert.Equal(t, 1, table.Sweep())
	assert.Equal(t, 1, table.Len())

	_, ok := table.Get("fresh")
	assert.True(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())
	table.Store("call-4", "192.0.2.10", 5090, StoreOptions{})

	table.Remove("call-4")
	table.Remove("call-4")
	assert.Zero(t, table.Len())
}

func TestPurgeConnDropsOwnedEntries(t *testing.T) {
	table := NewClientTable(30*time.Second, testLogger())

	table.Store("call-a", "192.0.2.10", 5090, StoreOptions{RespConnID: "conn-1"})
	table.Store("call-b", "192.0.2.11", 5090, StoreOptions{RespConnID: "conn-1"})
	table.Store("call-c", "192.0.2.12", 5090, StoreOptions{RespConnID: "conn-2"})

	assert.Equal(t, 2, table.PurgeConn("conn-1"))
	assert.Equal(t, 1, table.Len())

	_, ok := table.Get("call-c")
	assert.True(t, ok)
}
