// Package config contains the loader and strongly typed model for stack.yaml.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Restart policies accepted for a service.
const (
	RestartNo            = "no"
	RestartAlways        = "always"
	RestartOnFailure     = "on-failure"
	RestartUnlessStopped = "unless-stopped"
)

// PortMapping maps a container port to an optional host port.
type PortMapping struct {
	// Internal is the port the service listens on inside the container.
	Internal int `yaml:"internal" json:"internal"`
	// External is the host port to publish; zero means the port is exposed
	// to linked services but not published on the host.
	External int `yaml:"external,omitempty" json:"external,omitempty"`
}

// ServiceSpec describes the desired state of a single service for one apply cycle.
// Values are immutable once the Topology has been loaded.
type ServiceSpec struct {
	// ID is the unique service identifier within the topology.
	ID string `yaml:"id" json:"id"`
	// Image is the container image reference to run.
	Image string `yaml:"image" json:"image"`
	// Ports lists container-to-host port mappings.
	Ports []PortMapping `yaml:"ports,omitempty" json:"ports,omitempty"`
	// Env contains environment variables passed to the container.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// DependsOn lists identifiers of services that must be running first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Restart selects the container restart policy (no, always, on-failure, unless-stopped).
	Restart string `yaml:"restart,omitempty" json:"restart,omitempty"`
}

// Hash returns a stable content hash of the spec, used for convergence checks.
// Two specs with the same fields always produce the same hash.
func (s ServiceSpec) Hash() string {
	canon := s
	canon.DependsOn = append([]string(nil), s.DependsOn...)
	sort.Strings(canon.DependsOn)

	// json.Marshal emits map keys in sorted order, so Env is already canonical.
	payload, err := json.Marshal(canon)
	if err != nil {
		// ServiceSpec contains only marshalable fields.
		panic(err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Topology is the declared set of services and their dependency edges for one apply cycle.
type Topology struct {
	// Project is the short project name used for labels and defaults.
	Project string
	// Services maps service identifier to its spec.
	Services map[string]ServiceSpec
	// Order preserves the declaration order of service identifiers.
	Order []string
}

// Hash returns a stable content hash over all service specs in the topology.
func (t *Topology) Hash() string {
	ids := make([]string, 0, len(t.Services))
	for id := range t.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		spec := t.Services[id]
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(spec.Hash()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
