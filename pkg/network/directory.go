package network

import (
	"fmt"
	"sort"
)

// Directory resolves node identifiers to dialable host:port addresses.
type Directory interface {
	Lookup(node string) (string, error)
}

// StaticDirectory is a fixed node to address map.
type StaticDirectory map[string]string

// Lookup returns the address of node.
func (d StaticDirectory) Lookup(node string) (string, error) {
	addr, ok := d[node]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return addr, nil
}

// Nodes returns the known node identifiers, sorted.
func (d StaticDirectory) Nodes() []string {
	nodes := make([]string, 0, len(d))
	for n := range d {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
