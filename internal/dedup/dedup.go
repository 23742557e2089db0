// Package dedup keeps track of the batches already handled per log file so
// a section that is parsed again does not produce its lines twice.
package dedup

import (
	"sort"

	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Store holds the seen batch ids of every item
type Store interface {
	Seen(item string) []string
	SetSeen(item string, batches []string)
}

// ExtractUnseen returns the lines of all batches of data that were not seen
// by the previous call for the same item, ordered by batch id. The seen set
// is then replaced by the batches of data.
func ExtractUnseen(store Store, item string, data *types.ItemData) []string {
	seen := make(map[string]bool)
	for _, id := range store.Seen(item) {
		seen[id] = true
	}

	batches := make([]string, 0, len(data.Lines))
	for id := range data.Lines {
		batches = append(batches, id)
	}
	sort.Strings(batches)

	var lines []string
	for _, id := range batches {
		if !seen[id] {
			lines = append(lines, data.Lines[id]...)
		}
	}

	store.SetSeen(item, batches)
	return lines
}

// MemoryStore is a Store that lives only as long as the process
type MemoryStore map[string][]string

func (m MemoryStore) Seen(item string) []string {
	return m[item]
}

func (m MemoryStore) SetSeen(item string, batches []string) {
	m[item] = batches
}
