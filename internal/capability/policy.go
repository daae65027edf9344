package capability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/dealflow/model"
)

// Policy grants capabilities to the roles a caller holds in a tenant.
type Policy interface {
	Grants(tenantID string, roles []string) (model.CapabilitySet, error)
}

// capabilityName accepts "*", exact names like deals:stage:move, and
// namespace wildcards like deals:*.
var capabilityName = regexp.MustCompile(`^(\*|[a-z_]+(:[a-z_]+)*(:\*)?)$`)

// policyDoc is the YAML layout of a policy file. Tenant entries add to the
// global role grants; they never remove any.
type policyDoc struct {
	Roles   map[string][]string `yaml:"roles"`
	Tenants map[string]struct {
		Roles map[string][]string `yaml:"roles"`
	} `yaml:"tenants"`
}

func (d *policyDoc) validate() error {
	check := func(where, role string, caps []string) error {
		for _, c := range caps {
			if !capabilityName.MatchString(c) {
				return fmt.Errorf("%s role %q: malformed capability %q", where, role, c)
			}
		}
		return nil
	}
	for role, caps := range d.Roles {
		if err := check("global", role, caps); err != nil {
			return err
		}
	}
	for tenant, t := range d.Tenants {
		for role, caps := range t.Roles {
			if err := check("tenant "+tenant, role, caps); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilePolicy is a Policy read from a YAML file. Reload swaps in a newer
// version of the file.
type FilePolicy struct {
	path string

	mu     sync.RWMutex
	doc    policyDoc
	digest [sha256.Size]byte
}

// LoadFilePolicy reads and validates the policy at path.
func LoadFilePolicy(path string) (*FilePolicy, error) {
	p := &FilePolicy{path: path}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. It reports whether the content changed; a file
// that fails to parse or validate leaves the current policy in place.
func (p *FilePolicy) Reload() (bool, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return false, fmt.Errorf("capability: read policy: %w", err)
	}
	sum := sha256.Sum256(raw)

	p.mu.RLock()
	same := bytes.Equal(sum[:], p.digest[:])
	p.mu.RUnlock()
	if same {
		return false, nil
	}

	var doc policyDoc
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return false, fmt.Errorf("capability: parse policy %s: %w", p.path, err)
	}
	if err := doc.validate(); err != nil {
		return false, fmt.Errorf("capability: policy %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.doc, p.digest = doc, sum
	p.mu.Unlock()
	return true, nil
}

// Grants implements Policy.
func (p *FilePolicy) Grants(tenantID string, roles []string) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := model.CapabilitySet{}
	tenant := p.doc.Tenants[tenantID]
	for _, role := range roles {
		caps.Grant(p.doc.Roles[role]...)
		caps.Grant(tenant.Roles[role]...)
	}
	return caps, nil
}

// Roles lists the roles the policy grants anything to, globally or in any
// tenant.
func (p *FilePolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[string]bool{}
	for r := range p.doc.Roles {
		seen[r] = true
	}
	for _, t := range p.doc.Tenants {
		for r := range t.Roles {
			seen[r] = true
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// WatchPolicy reloads p every interval until ctx ends and flushes r after
// each change, so callers see new grants without waiting for the cache TTL.
func WatchPolicy(ctx context.Context, p *FilePolicy, r *Resolver, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		changed, err := p.Reload()
		switch {
		case err != nil:
			logger.Warn("capability policy reload failed, keeping previous policy", zap.Error(err))
		case changed:
			r.Flush()
			logger.Info("capability policy reloaded", zap.Strings("roles", p.Roles()))
		}
	}
}
