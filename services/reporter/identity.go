package reporter

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrMeshUnavailable is returned by a MeshResolver when no mesh client is
// installed or the node is not connected.
var ErrMeshUnavailable = errors.New("mesh network unavailable")

// MeshNode describes this machine as seen by the mesh network.
type MeshNode struct {
	Name string
	IPv4 string
}

// MeshResolver looks up the local node on the private mesh network.
type MeshResolver interface {
	Self(ctx context.Context) (MeshNode, error)
}

// TailscaleResolver queries `tailscale status --self --json`.
type TailscaleResolver struct {
	Binary string
	Runner CommandRunner
}

type tailscaleStatus struct {
	Self *struct {
		DNSName      string   `json:"DNSName"`
		HostName     string   `json:"HostName"`
		TailscaleIPs []string `json:"TailscaleIPs"`
	} `json:"Self"`
}

// Self implements MeshResolver.
func (t TailscaleResolver) Self(ctx context.Context) (MeshNode, error) {
	binary := t.Binary
	if binary == "" {
		binary = "tailscale"
	}
	runner := t.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	out, err := runner.Run(ctx, binary, "status", "--self", "--json")
	if err != nil {
		return MeshNode{}, fmt.Errorf("%w: %v", ErrMeshUnavailable, err)
	}

	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return MeshNode{}, fmt.Errorf("%w: decode status: %v", ErrMeshUnavailable, err)
	}
	if status.Self == nil {
		return MeshNode{}, ErrMeshUnavailable
	}

	node := MeshNode{Name: meshShortName(status.Self.DNSName)}
	if node.Name == "" {
		node.Name = strings.TrimSpace(status.Self.HostName)
	}
	for _, addr := range status.Self.TailscaleIPs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			node.IPv4 = ip.String()
			break
		}
	}
	if node.Name == "" && node.IPv4 == "" {
		return MeshNode{}, ErrMeshUnavailable
	}
	return node, nil
}

// meshShortName returns the first label of a fully qualified mesh name.
func meshShortName(dnsName string) string {
	name := strings.TrimRight(strings.TrimSpace(dnsName), ".")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// IdentityStore resolves the machine id, hostname and reachable address.
type IdentityStore struct {
	path     string
	override string
	mesh     MeshResolver
	logger   zerolog.Logger

	hostname func() (string, error)
	addrs    func() ([]net.Addr, error)
	newUUID  func() (uuid.UUID, error)
	now      func() time.Time

	mu sync.Mutex
}

// NewIdentityStore returns an IdentityStore persisting the machine id at path.
// A non-empty hostnameOverride bypasses mesh and OS hostname lookup.
func NewIdentityStore(path, hostnameOverride string, mesh MeshResolver, logger zerolog.Logger) *IdentityStore {
	return &IdentityStore{
		path:     path,
		override: strings.TrimSpace(hostnameOverride),
		mesh:     mesh,
		logger:   logger,
		hostname: os.Hostname,
		addrs:    net.InterfaceAddrs,
		newUUID:  uuid.NewRandom,
		now:      time.Now,
	}
}

// MachineID returns the persisted machine id, generating and storing one on
// first use. Repeated calls return the same value.
func (s *IdentityStore) MachineID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read machine id: %w", err)
	}

	id := s.generateID()
	if err := writeFileAtomic(s.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	s.logger.Info().Str("machine_id", id).Str("path", s.path).Msg("generated machine id")
	return id, nil
}

func (s *IdentityStore) generateID() string {
	if id, err := s.newUUID(); err == nil {
		return id.String()
	}

	host, _ := s.hostname()
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)

	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte(s.now().Format(time.RFC3339Nano)))
	h.Write(salt)
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s-%s-%s-%s-%s", sum[0:8], sum[8:12], sum[12:16], sum[16:20], sum[20:32])
}

// ResolveHostname prefers the override, then the mesh short name, then the OS
// hostname. It never fails; "unknown" is the last resort.
func (s *IdentityStore) ResolveHostname(ctx context.Context) string {
	if s.override != "" {
		return s.override
	}
	if node, ok := s.meshNode(ctx); ok && node.Name != "" {
		return node.Name
	}
	if host, err := s.hostname(); err == nil && strings.TrimSpace(host) != "" {
		return strings.TrimSpace(host)
	}
	return "unknown"
}

// ResolveIP prefers the mesh IPv4 address, then the first non-loopback IPv4
// interface address. It returns an empty string when neither is available.
func (s *IdentityStore) ResolveIP(ctx context.Context) string {
	if node, ok := s.meshNode(ctx); ok && node.IPv4 != "" {
		return node.IPv4
	}

	addrs, err := s.addrs()
	if err != nil {
		s.logger.Debug().Err(err).Msg("list interface addresses")
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func (s *IdentityStore) meshNode(ctx context.Context) (MeshNode, bool) {
	if s.mesh == nil {
		return MeshNode{}, false
	}
	node, err := s.mesh.Self(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("mesh lookup failed")
		return MeshNode{}, false
	}
	return node, true
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place. The parent directory is created with 0700.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
