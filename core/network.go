package core

import (
	"context"
	"crypto/rand"
	"math"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// confirmReqProtocol is the direct-stream protocol ID used for confirm_req,
// which (unlike publish/vote) targets one peer rather than the gossip mesh
// (spec.md §4.4 "confirm_req").
const confirmReqProtocol = protocol.ID("/nano/confirm-req/1")

// topicBlocks/topicVotes are the GossipSub topics blocks and votes are
// published on, kept separate so a peer interested only in confirmations
// does not have to decode every block (spec.md §4.4, generalized from the
// teacher's single-topic broadcast into the node's own publish/vote split).
const (
	topicBlocks = "nano/publish/1"
	topicVotes  = "nano/vote/1"
)

// NetworkConfig configures a Node (spec.md §4.4/§6, mirrored from
// pkg/config.Config.Network).
type NetworkConfig struct {
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
	MaxPeers       int
}

// Channel is one live connection to a peer: the endpoint it was last heard
// from, when, and (once the handshake completes) its proven node ID
// (spec.md §4.4 "channels = {endpoint, last_packet_received, node_id?,
// transport_kind}").
type Channel struct {
	Endpoint           string
	LastPacketReceived time.Time
	NodeID             *Account
	TransportKind      string // "tcp" or "udp"; libp2p multiplexes both over one stream transport here
}

// Node is this process's network identity: a libp2p host plus GossipSub
// topics for block/vote propagation and mDNS peer discovery, generalized
// from the teacher's single-topic broadcaster to the node's publish/vote/
// bulk-transfer message set (spec.md §4.4).
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	blocksTopic *pubsub.Topic
	votesTopic  *pubsub.Topic
	blocksSub   *pubsub.Subscription
	votesSub    *pubsub.Subscription

	cfg NetworkConfig

	mu       sync.Mutex
	channels map[peer.ID]*Channel
	cookies  map[string][32]byte // endpoint -> outstanding handshake cookie

	confirmReqHandler func(from peer.ID, req ConfirmReqMessage)

	nodeKey Ed25519KeyPair

	ctx    context.Context
	cancel context.CancelFunc

	logger *log.Entry
}

// NewNode creates a libp2p host listening on cfg.ListenAddr, joins the
// block/vote GossipSub topics, and starts mDNS discovery tagged with
// cfg.DiscoveryTag (spec.md §4.4). nodeKey signs this node's handshake
// responses.
func NewNode(cfg NetworkConfig, nodeKey Ed25519KeyPair) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	blocksTopic, err := ps.Join(topicBlocks)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}
	votesTopic, err := ps.Join(topicVotes)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}
	blocksSub, err := blocksTopic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}
	votesSub, err := votesTopic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	n := &Node{
		host:        h,
		pubsub:      ps,
		blocksTopic: blocksTopic,
		votesTopic:  votesTopic,
		blocksSub:   blocksSub,
		votesSub:    votesSub,
		cfg:         cfg,
		channels:    make(map[peer.ID]*Channel),
		cookies:     make(map[string][32]byte),
		nodeKey:     nodeKey,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithField("component", "network"),
	}

	svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	if err := svc.Start(); err != nil {
		n.logger.WithError(err).Warn("mdns discovery failed to start")
	}

	h.SetStreamHandler(confirmReqProtocol, n.handleConfirmReqStream)

	return n, nil
}

// confirmReqHandler, when set, is invoked for every confirm_req received
// over a direct stream (wired to the vote generator once a wallet/ledger is
// available).
func (n *Node) SetConfirmReqHandler(fn func(from peer.ID, req ConfirmReqMessage)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmReqHandler = fn
}

func (n *Node) handleConfirmReqStream(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 1<<20)
	total := 0
	for {
		m, err := s.Read(buf[total:])
		total += m
		if err != nil || total >= len(buf) {
			break
		}
	}
	hdr, err := DecodeHeader(buf[:total])
	if err != nil || hdr.Type != MsgConfirmReq || total <= headerSize {
		return
	}
	blk, err := UnmarshalBlockBinary(BlockState, buf[headerSize:total])
	if err != nil {
		return
	}
	n.mu.Lock()
	fn := n.confirmReqHandler
	n.mu.Unlock()
	if fn != nil {
		fn(s.Conn().RemotePeer(), ConfirmReqMessage{Blocks: []*Block{blk}})
	}
}

// SendConfirmReq opens a direct stream to endpoint (a peer ID string) and
// sends a confirm_req for req.Blocks[0] (spec.md §4.4/§4.12 "rep crawler
// probing").
func (n *Node) SendConfirmReq(endpoint string, req ConfirmReqMessage) error {
	id, err := peer.Decode(endpoint)
	if err != nil {
		return err
	}
	if len(req.Blocks) == 0 {
		return errNoProbeBlock
	}
	s, err := n.host.NewStream(n.ctx, id, confirmReqProtocol)
	if err != nil {
		return err
	}
	defer s.Close()
	wire, err := req.Blocks[0].MarshalBinary()
	if err != nil {
		return err
	}
	msg := append(EncodeHeader(defaultHeader(MsgConfirmReq)), wire...)
	_, err = s.Write(msg)
	return err
}

var errNoProbeBlock = vErr("core: confirm_req requires at least one block")

// HandlePeerFound implements mdns.Notifee: it dials newly discovered peers
// and admits them as channels, subject to the same admit check DialSeed
// applies (DialSeed's reserved-address filter is not applied here).
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if !n.admit(info.ID) {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.WithError(err).Debug("mdns peer connect failed")
		return
	}
	n.registerChannel(info.ID, "tcp")
}

// admit applies spec.md §4.4's admission filtering: reject self, reject once
// MaxPeers channels are already open. Reserved-address filtering happens in
// isReservedAddress, applied by callers that see a raw endpoint before a
// peer.ID exists (DialSeed).
func (n *Node) admit(id peer.ID) bool {
	if id == n.host.ID() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.MaxPeers > 0 && len(n.channels) >= n.cfg.MaxPeers {
		return false
	}
	return true
}

// isReservedAddress reports whether host is a loopback, link-local, or
// other non-routable address that should never be admitted as a peer
// endpoint (spec.md §4.4 "admission filtering (reserved address ranges)").
func isReservedAddress(hostPart string) bool {
	ip := net.ParseIP(hostPart)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// DialSeed connects to each bootstrap peer in seeds, given as full
// multiaddrs (e.g. "/ip4/1.2.3.4/tcp/7075/p2p/<peer-id>"), filtering
// reserved addresses before attempting a connection (spec.md §4.4/§4.5).
func (n *Node) DialSeed(seeds []string) error {
	for _, s := range seeds {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			n.logger.WithError(err).WithField("seed", s).Warn("bad seed multiaddr")
			continue
		}
		if h, err := addr.ValueForProtocol(ma.P_IP4); err == nil && isReservedAddress(h) {
			continue
		}
		if h, err := addr.ValueForProtocol(ma.P_IP6); err == nil && isReservedAddress(h) {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			n.logger.WithError(err).WithField("seed", s).Warn("seed missing /p2p id")
			continue
		}
		if !n.admit(info.ID) {
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			n.logger.WithError(err).WithField("seed", s).Warn("seed dial failed")
			continue
		}
		n.registerChannel(info.ID, "tcp")
	}
	return nil
}

func (n *Node) registerChannel(id peer.ID, transport string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels[id] = &Channel{
		Endpoint:           id.String(),
		LastPacketReceived: time.Now(),
		TransportKind:      transport,
	}
}

// Channels returns a snapshot of every currently open channel.
func (n *Node) Channels() []*Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Channel, 0, len(n.channels))
	for _, c := range n.channels {
		out = append(out, c)
	}
	return out
}

// FanoutCount returns how many of n channels a broadcast should be sent
// directly to, the remainder relying on gossip relay: sqrt(n), rounded up,
// at least 1 (spec.md §4.4 "fan-out broadcast = sqrt(|channels|)").
func FanoutCount(channelCount int) int {
	if channelCount <= 0 {
		return 0
	}
	f := int(math.Ceil(math.Sqrt(float64(channelCount))))
	if f < 1 {
		f = 1
	}
	return f
}

// BroadcastBlock publishes b on the blocks topic. GossipSub's own mesh
// already approximates the sqrt(n) fan-out spec.md describes; FanoutCount is
// exposed for callers (e.g. confirm_req direct-send) that bypass pubsub.
func (n *Node) BroadcastBlock(b *Block) error {
	wire, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	msg := append(EncodeHeader(defaultHeader(MsgPublish)), wire...)
	return n.blocksTopic.Publish(n.ctx, msg)
}

// BroadcastVote publishes v on the votes topic.
func (n *Node) BroadcastVote(v *Vote) error {
	msg := append(EncodeHeader(defaultHeader(MsgConfirmAck)), encodeVote(v)...)
	return n.votesTopic.Publish(n.ctx, msg)
}

// SubscribeBlocks returns a channel of blocks received over the blocks
// topic, decoded and ready for the block processor.
func (n *Node) SubscribeBlocks() <-chan *Block {
	out := make(chan *Block, 256)
	go func() {
		defer close(out)
		for {
			m, err := n.blocksSub.Next(n.ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == n.host.ID() {
				continue
			}
			hdr, err := DecodeHeader(m.Data)
			if err != nil || hdr.Type != MsgPublish {
				continue
			}
			// Wire type is unknown from the envelope alone; callers that
			// know which variant to expect use UnmarshalBlockBinary
			// directly. Here we only forward state blocks, the common
			// case for new traffic.
			blk, err := UnmarshalBlockBinary(BlockState, m.Data[headerSize:])
			if err != nil {
				continue
			}
			select {
			case out <- blk:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out
}

// SubscribeVotes returns a channel of votes received over the votes topic.
func (n *Node) SubscribeVotes() <-chan *Vote {
	out := make(chan *Vote, 256)
	go func() {
		defer close(out)
		for {
			m, err := n.votesSub.Next(n.ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == n.host.ID() {
				continue
			}
			hdr, err := DecodeHeader(m.Data)
			if err != nil || hdr.Type != MsgConfirmAck {
				continue
			}
			v, err := decodeVote(m.Data[headerSize:])
			if err != nil {
				continue
			}
			select {
			case out <- v:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out
}

// --- node-ID handshake (spec.md §4.4) --------------------------------------

// IssueCookie generates and stores a fresh single-use cookie for endpoint,
// to be sent as a NodeIDHandshakeMessage query.
func (n *Node) IssueCookie(endpoint string) ([32]byte, error) {
	var cookie [32]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return cookie, err
	}
	n.mu.Lock()
	n.cookies[endpoint] = cookie
	n.mu.Unlock()
	return cookie, nil
}

// VerifyHandshakeResponse checks that resp answers the outstanding cookie
// for endpoint, consuming it (cookies are single-use).
func (n *Node) VerifyHandshakeResponse(endpoint string, resp NodeIDHandshakeMessage) bool {
	n.mu.Lock()
	cookie, ok := n.cookies[endpoint]
	delete(n.cookies, endpoint)
	n.mu.Unlock()
	if !ok || !resp.HasResponse {
		return false
	}
	return VerifySignature(resp.NodeID, cookie[:], resp.Signature)
}

// SignCookie answers a received cookie with this node's signature over it,
// proving control of nodeKey for the connection it arrived on.
func (n *Node) SignCookie(cookie [32]byte) (NodeIDHandshakeMessage, error) {
	sig, err := n.nodeKey.Sign(cookie[:])
	if err != nil {
		return NodeIDHandshakeMessage{}, err
	}
	return NodeIDHandshakeMessage{HasResponse: true, NodeID: n.nodeKey.Public, Signature: sig}, nil
}

// Close shuts the node down, closing its topics and libp2p host.
func (n *Node) Close() error {
	n.cancel()
	n.blocksSub.Cancel()
	n.votesSub.Cancel()
	_ = n.blocksTopic.Close()
	_ = n.votesTopic.Close()
	return n.host.Close()
}
