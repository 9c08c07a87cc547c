// Command bftnode is a local, in-process demo: it boots a pool of BFT
// nodes wired to a shared memtransport.Hub, generates each node's identity
// deterministically from a bip39 mnemonic (standing in for out-of-scope
// wallet loading), broadcasts a handful of client requests to every node
// (non-primaries forward them to the primary they know), and logs every
// commit as it lands. It
// exists to exercise the core end to end, not as a deployment artifact.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/tyler-smith/go-bip39"

	"github.com/icebft/core/internal/bft"
	"github.com/icebft/core/internal/cryptobft"
	"github.com/icebft/core/internal/logger"
	"github.com/icebft/core/internal/memtransport"
	"github.com/icebft/core/internal/scheduler"
)

// demoPool is the minimal bft.PoolConfig this binary wires by hand,
// rather than reading config.Pool from disk, so the demo has no external
// file dependency.
type demoPool struct {
	f    int
	i    int
	keys map[bft.NodeName]p2pcrypto.PubKey
}

func (p *demoPool) N() int                                   { return 3*p.f + 1 }
func (p *demoPool) F() int                                   { return p.f }
func (p *demoPool) I() int                                   { return p.i }
func (p *demoPool) Keys() map[bft.NodeName]p2pcrypto.PubKey { return p.keys }

type identity struct {
	name     bft.NodeName
	mnemonic string
	priv     p2pcrypto.PrivKey
	pub      p2pcrypto.PubKey
}

func generateIdentity() (identity, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return identity{}, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return identity{}, fmt.Errorf("derive mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv, pub, err := p2pcrypto.GenerateEd25519Key(bytes.NewReader(seed[:32]))
	if err != nil {
		return identity{}, fmt.Errorf("derive ed25519 key: %w", err)
	}
	name, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return identity{}, fmt.Errorf("derive node name: %w", err)
	}
	return identity{name: name, mnemonic: mnemonic, priv: priv, pub: pub}, nil
}

func main() {
	f := flag.Int("f", 1, "tolerated faulty replica count (pool size is 3f+1)")
	requests := flag.Int("requests", 5, "number of demo client requests to submit")
	flag.Parse()

	if _, err := logger.Init(logger.Config{Console: true, Level: "info"}); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("bftnode")

	n := 3*(*f) + 1
	identities := make([]identity, n)
	for idx := range identities {
		id, err := generateIdentity()
		if err != nil {
			log.Errorw("identity generation failed", "error", err)
			os.Exit(1)
		}
		identities[idx] = id
		log.Infow("generated node identity", "node", id.name.String(), "mnemonic", id.mnemonic)
	}

	pool := &demoPool{f: *f, i: *f + 1, keys: make(map[bft.NodeName]p2pcrypto.PubKey, n)}
	for _, id := range identities {
		pool.keys[id.name] = id.pub
	}

	hub := memtransport.NewHub()
	crypto := cryptobft.Default{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := make([]*bft.Node, n)
	for idx, id := range identities {
		link := hub.Register(id.name, 256)
		clock := scheduler.New(nil)
		node := bft.NewNode(id.name, pool, link, clock, crypto, nil)
		node.SetParticipating(true)
		nodeLog := logger.ForNode(id.name.String())
		node.SetOnCommitted(func(entry bft.CommittedEntry) {
			nodeLog.Infow("committed", "inst", int(entry.Inst), "seq", int64(entry.Seq), "client", string(entry.Request.Client))
		})
		node.SetOnPrimaryElected(func(inst bft.InstId, view bft.ViewNo, primary bft.NodeName) {
			nodeLog.Infow("primary elected", "inst", int(inst), "view", int64(view), "primary", primary.String())
		})
		nodes[idx] = node
		go func() {
			if err := node.Run(ctx, 32); err != nil {
				nodeLog.Warnw("node run stopped", "error", err)
			}
		}()
	}

	for _, node := range nodes {
		node.StartElections(0)
	}

	time.Sleep(500 * time.Millisecond)
	clientLink := hub.Register("demo-client", 64)
	for i := 0; i < *requests; i++ {
		req := bft.Request{Client: "demo-client", ReqId: uint64(i + 1), Operation: []byte(fmt.Sprintf("op-%d", i+1))}
		env := bft.Envelope{Type: bft.MTRequest, From: "demo-client", Request: req}
		if err := clientLink.Broadcast(ctx, env); err != nil {
			log.Warnw("submit request failed", "error", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	time.Sleep(2 * time.Second)
	cancel()
}
