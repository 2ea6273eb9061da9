// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package discovery announces the cache over mDNS/DNS-SD and finds peers
// advertising a specific item, per spec.md §4.2 and SPEC_FULL.md §4.2.
//
// Every item currently held gets its own DNS-SD subtype under the shared
// "_cache._tcp" service type: "_<hash[0:60]>._sub._cache._tcp". A peer asks
// "who has this file?" by browsing for that one subtype instead of pulling
// every peer's full item list, keeping a LAN-wide query to a single mDNS
// round trip. Because zeroconf re-derives the whole subtype list on every
// Register call, a change to the item set is published as one atomic
// "shut down old registration, register new one" swap rather than an
// incremental add/remove API.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/hughsie/passim/internal/errs"
)

const (
	// ServiceType is the shared DNS-SD service every passim instance
	// registers under; individual items are exposed as subtypes of it.
	ServiceType = "_cache._tcp"
	// subtypeHashLen bounds each subtype label to the 63-byte DNS label
	// limit once "._sub._cache._tcp" is appended (spec.md §4.2).
	subtypeHashLen = 60
)

// Peer is one responder found while browsing for a hash's subtype.
type Peer struct {
	Host string
	Addr net.IP
	Port int
}

// Announcer advertises the local item set and finds peers for a hash. It is
// the seam tests substitute a fake for, since real registration needs a
// live mDNS responder.
type Announcer interface {
	// Announce replaces the currently advertised set of hashes with
	// hashes, atomically.
	Announce(hashes []string) error
	// Find browses for peers serving the given hash, returning whatever
	// arrives before ctx is done.
	Find(ctx context.Context, hash string) ([]Peer, error)
	// Close withdraws the current announcement.
	Close() error
}

// ZeroconfAnnouncer is the production Announcer backed by
// github.com/libp2p/zeroconf/v2.
type ZeroconfAnnouncer struct {
	instance string
	port     int
	ipv6     bool
	log      *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server

	replay *replayQueue
}

// replayWindow bounds how long a Find result for a hash stays eligible to
// seed the next Find for that same hash (see replayQueue).
const replayWindow = 10 * time.Second

// NewZeroconfAnnouncer builds an Announcer that advertises instance on port.
// Registration and browsing use zeroconf's default interfaces and IP
// versions; ipv6 only decides whether Find reports a peer's IPv6 address
// when the peer has no IPv4 address.
func NewZeroconfAnnouncer(instance string, port int, ipv6 bool, log *slog.Logger) *ZeroconfAnnouncer {
	return &ZeroconfAnnouncer{
		instance: instance, port: port, ipv6: ipv6, log: log,
		replay: newReplayQueue(replayWindow),
	}
}

// subtypeFor truncates hash to the DNS-SD label budget and formats it as a
// zeroconf subtype suffix ("_<hash[0:60]>").
func subtypeFor(hash string) string {
	h := hash
	if len(h) > subtypeHashLen {
		h = h[:subtypeHashLen]
	}
	return "_" + h
}

// serviceWithSubtypes builds the comma-joined service string zeroconf's
// Register expects to advertise ServiceType plus one subtype per hash.
func serviceWithSubtypes(hashes []string) string {
	parts := make([]string, 0, len(hashes)+1)
	parts = append(parts, ServiceType)
	for _, h := range hashes {
		parts = append(parts, subtypeFor(h))
	}
	return strings.Join(parts, ",")
}

// Announce tears down any previous registration and republishes the full
// set of hashes in one transaction, mirroring the reset-then-commit shape
// of the underlying DNS-SD responder rather than patching individual
// records (spec.md §4.2).
func (a *ZeroconfAnnouncer) Announce(hashes []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	if len(hashes) == 0 {
		return nil
	}

	var ifaces []net.Interface
	server, err := zeroconf.Register(
		a.instance,
		serviceWithSubtypes(hashes),
		"local.",
		a.port,
		[]string{fmt.Sprintf("v=%d", 1)},
		ifaces,
	)
	if err != nil {
		return errs.Wrap(errs.Transport, err, "register mDNS service for %d items", len(hashes))
	}
	a.server = server
	a.log.Debug("discovery: announced", "items", len(hashes))
	return nil
}

// Find browses for the subtype matching hash and collects whatever
// responses arrive before ctx is canceled, deduplicated by address string
// (spec.md §4.2: a responder that re-broadcasts before ctx fires must not
// produce duplicate Peer entries, which would skew the uniform-random peer
// choice HttpFront makes). Find returns only once ctx is done, so callers
// bound the browse with a context deadline (see FindTimeout). The hash's
// replayQueue seeds the
// result with whatever the previous Find for the same hash already found,
// so a query made moments after another doesn't have to wait out a full
// browse timeout to rediscover the same peer.
func (a *ZeroconfAnnouncer) Find(ctx context.Context, hash string) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "create mDNS resolver")
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var peers []Peer
	if cached, ok := a.replay.get(hash); ok {
		for _, p := range cached {
			addPeer(&peers, seen, p)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			p := peerFromEntry(e, a.ipv6)
			mu.Lock()
			addPeer(&peers, seen, p)
			mu.Unlock()
		}
	}()

	subService := subtypeFor(hash) + "._sub." + ServiceType
	if err := resolver.Browse(ctx, subService, "local.", entries); err != nil {
		return nil, errs.Wrap(errs.Transport, err, "browse for hash %s", hash)
	}
	<-ctx.Done()
	close(entries)
	wg.Wait()

	a.replay.put(hash, peers)
	return peers, nil
}

// addPeer appends p to peers unless its address string was already seen.
func addPeer(peers *[]Peer, seen map[string]struct{}, p Peer) {
	key := peerKey(p)
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}
	*peers = append(*peers, p)
}

// peerKey is the address string two Peer entries are considered duplicates
// by (spec.md §4.2, "Deduplicate by address string").
func peerKey(p Peer) string {
	host := p.Host
	if p.Addr != nil {
		host = p.Addr.String()
	}
	return fmt.Sprintf("%s:%d", host, p.Port)
}

func peerFromEntry(e *zeroconf.ServiceEntry, ipv6 bool) Peer {
	var addr net.IP
	if len(e.AddrIPv4) > 0 {
		addr = e.AddrIPv4[0]
	} else if ipv6 && len(e.AddrIPv6) > 0 {
		addr = e.AddrIPv6[0]
	}
	return Peer{Host: e.HostName, Addr: addr, Port: e.Port}
}

// replayQueue buffers the most recent Find result per hash for a short
// window. It smooths over the zeroconf responder race where a peer's own
// mDNS registration finishes just after our browse's deadline: the next
// Find for the same hash, even moments later, sees the peer immediately
// instead of waiting out a full browse timeout again.
type replayQueue struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]replayEntry
	now     func() time.Time
}

type replayEntry struct {
	peers  []Peer
	stored time.Time
}

func newReplayQueue(window time.Duration) *replayQueue {
	return &replayQueue{window: window, entries: make(map[string]replayEntry), now: time.Now}
}

// get returns the buffered peers for hash if they were stored within the
// window, and whether any were found at all.
func (q *replayQueue) get(hash string) ([]Peer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[hash]
	if !ok || len(e.peers) == 0 || q.now().Sub(e.stored) > q.window {
		return nil, false
	}
	return e.peers, true
}

// put replaces the buffered peers for hash, timestamped now.
func (q *replayQueue) put(hash string, peers []Peer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[hash] = replayEntry{peers: peers, stored: q.now()}
}

// Close withdraws the current mDNS registration, if any.
func (a *ZeroconfAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// FindTimeout is the default grace period Find callers without their own
// deadline should use, long enough to absorb one mDNS query/response round
// trip on a quiet LAN.
const FindTimeout = 2 * time.Second
