// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package discovery

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubtypeForTruncatesTo60Chars(t *testing.T) {
	hash := strings.Repeat("a", 64)
	st := subtypeFor(hash)
	assert.Equal(t, "_"+strings.Repeat("a", 60), st)
}

func TestSubtypeForShortHashUnchanged(t *testing.T) {
	assert.Equal(t, "_abc123", subtypeFor("abc123"))
}

func TestServiceWithSubtypes(t *testing.T) {
	hashes := []string{"aaaa", "bbbb"}
	got := serviceWithSubtypes(hashes)
	assert.Equal(t, ServiceType+",_aaaa,_bbbb", got)
}

func TestServiceWithSubtypesEmpty(t *testing.T) {
	assert.Equal(t, ServiceType, serviceWithSubtypes(nil))
}

// fakeAnnouncer lets this package's own sanity checks exercise the
// Announcer seam without a live mDNS responder; the httpfront and
// supervisor tests define their own fakes.
type fakeAnnouncer struct {
	announced [][]string
	closed    bool
}

func (f *fakeAnnouncer) Announce(hashes []string) error {
	f.announced = append(f.announced, append([]string(nil), hashes...))
	return nil
}

func (f *fakeAnnouncer) Find(ctx context.Context, hash string) ([]Peer, error) {
	return nil, nil
}

var _ Announcer = (*fakeAnnouncer)(nil)

func (f *fakeAnnouncer) Close() error {
	f.closed = true
	return nil
}

func TestAddPeerDedupsByAddressString(t *testing.T) {
	var peers []Peer
	seen := make(map[string]struct{})
	p := Peer{Addr: net.ParseIP("192.168.1.5"), Port: 27500}
	addPeer(&peers, seen, p)
	addPeer(&peers, seen, p)
	addPeer(&peers, seen, Peer{Addr: net.ParseIP("192.168.1.5"), Port: 27500})
	assert.Len(t, peers, 1)
}

func TestAddPeerKeepsDistinctAddresses(t *testing.T) {
	var peers []Peer
	seen := make(map[string]struct{})
	addPeer(&peers, seen, Peer{Addr: net.ParseIP("192.168.1.5"), Port: 27500})
	addPeer(&peers, seen, Peer{Addr: net.ParseIP("192.168.1.6"), Port: 27500})
	assert.Len(t, peers, 2)
}

func TestPeerKeyFallsBackToHostWithoutAddr(t *testing.T) {
	assert.Equal(t, "peer.local:27500", peerKey(Peer{Host: "peer.local", Port: 27500}))
}

func TestReplayQueueReturnsWithinWindow(t *testing.T) {
	q := newReplayQueue(10 * time.Second)
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }
	q.put("hash1", []Peer{{Host: "peer.local", Port: 27500}})

	now = now.Add(5 * time.Second)
	peers, ok := q.get("hash1")
	assert.True(t, ok)
	assert.Len(t, peers, 1)
}

func TestReplayQueueExpiresAfterWindow(t *testing.T) {
	q := newReplayQueue(10 * time.Second)
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }
	q.put("hash1", []Peer{{Host: "peer.local", Port: 27500}})

	now = now.Add(11 * time.Second)
	_, ok := q.get("hash1")
	assert.False(t, ok)
}

func TestReplayQueueMissIsNotOK(t *testing.T) {
	q := newReplayQueue(10 * time.Second)
	_, ok := q.get("unknown")
	assert.False(t, ok)
}

func TestFakeAnnouncerRecordsAnnouncements(t *testing.T) {
	f := &fakeAnnouncer{}
	require := assert.New(t)
	require.NoError(f.Announce([]string{"h1", "h2"}))
	require.NoError(f.Announce([]string{"h1"}))
	require.Len(f.announced, 2)
	require.Equal([]string{"h1", "h2"}, f.announced[0])
	require.NoError(f.Close())
	require.True(f.closed)
}
