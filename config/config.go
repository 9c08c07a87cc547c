// Package config loads pool membership (N, F, per-node instance count and
// the NodeName -> public key table the core needs to verify signed
// protocol messages) from a JSON file on disk, with an environment
// variable override for the one field most often varied between
// deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/icebft/core/internal/bft"
)

// memberEntry is the on-disk shape of one pool member: a node name plus
// its base64-encoded libp2p public key (protobuf marshalled), decoded
// lazily into the keys map Pool.Keys() serves.
type memberEntry struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
}

// Pool is the concrete bft.PoolConfig loaded from disk. F is stored
// explicitly rather than derived from len(Members), since a deployment
// may run with fewer live members than the tolerated-fault design size
// while still being configured for the original N.
type Pool struct {
	FaultTolerance int           `json:"f"`
	Instances      int           `json:"i"`
	Members        []memberEntry `json:"members"`

	keys map[bft.NodeName]p2pcrypto.PubKey
}

var _ bft.PoolConfig = (*Pool)(nil)

// N returns the configured pool size, 3f+1.
func (p *Pool) N() int {
	return 3*p.FaultTolerance + 1
}

// F returns the number of faulty members this pool tolerates.
func (p *Pool) F() int {
	return p.FaultTolerance
}

// I returns the number of parallel consensus instances this node runs.
// It defaults to F()+1 (one master plus one backup per tolerated fault)
// when the config file leaves it unset.
func (p *Pool) I() int {
	if p.Instances > 0 {
		return p.Instances
	}
	return p.FaultTolerance + 1
}

// Keys returns the NodeName -> public key table, decoding the on-disk
// base64 protobuf keys on first use.
func (p *Pool) Keys() map[bft.NodeName]p2pcrypto.PubKey {
	if p.keys != nil {
		return p.keys
	}
	keys := make(map[bft.NodeName]p2pcrypto.PubKey, len(p.Members))
	for _, m := range p.Members {
		name := bft.NodeName(m.Name)
		raw, err := p2pcrypto.ConfigDecodeKey(m.PublicKey)
		if err != nil {
			fmt.Printf("[CONFIG] skipping member %s: bad public key encoding: %v\n", m.Name, err)
			continue
		}
		pub, err := p2pcrypto.UnmarshalPublicKey(raw)
		if err != nil {
			fmt.Printf("[CONFIG] skipping member %s: bad public key: %v\n", m.Name, err)
			continue
		}
		keys[name] = pub
	}
	p.keys = keys
	return p.keys
}

const DefaultConfigPath = "pool.json"

// Load reads a Pool from path, falling back to DefaultConfigPath when path
// is empty. POOL_FAULT_TOLERANCE, if set, overrides the file's f value.
func Load(path string) (*Pool, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool config: %w", err)
	}
	var p Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pool config: %w", err)
	}
	if override := strings.TrimSpace(os.Getenv("POOL_FAULT_TOLERANCE")); override != "" {
		var f int
		if _, err := fmt.Sscanf(override, "%d", &f); err == nil && f >= 0 {
			p.FaultTolerance = f
		}
	}
	return &p, nil
}

// WriteExample writes a pool config with fault tolerance f, I = f+1 and
// the given members to path, useful for bootstrapping a local demo
// deployment.
func WriteExample(path string, f int, members []memberEntry) error {
	p := Pool{FaultTolerance: f, Instances: f + 1, Members: members}
	data, err := json.MarshalIndent(&p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
