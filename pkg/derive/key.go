// HeartbeatMetricKey identifies one logical reporting entity observed in spans
// Identity covers application, service, cluster, shard, source and custom tags
package derive

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HeartbeatMetricKey identifies an (application, service, cluster, shard,
// source) combination plus the custom tags propagated from its spans.
// Cluster and Shard are empty when the span did not carry them.
type HeartbeatMetricKey struct {
	Application string
	Service     string
	Cluster     string
	Shard       string
	Source      string
	CustomTags  map[string]string
}

// Equal reports whether k and other identify the same entity. A nil and an
// empty CustomTags map are equal.
func (k HeartbeatMetricKey) Equal(other HeartbeatMetricKey) bool {
	return k.Application == other.Application &&
		k.Service == other.Service &&
		k.Cluster == other.Cluster &&
		k.Shard == other.Shard &&
		k.Source == other.Source &&
		maps.Equal(k.CustomTags, other.CustomTags)
}

// ID returns a canonical encoding of the key. Distinct keys always produce
// distinct IDs: every field is length-prefixed and custom tags are sorted.
func (k HeartbeatMetricKey) ID() string {
	var b strings.Builder
	for _, f := range [...]string{k.Application, k.Service, k.Cluster, k.Shard, k.Source} {
		writeField(&b, f)
	}
	for _, name := range slices.Sorted(maps.Keys(k.CustomTags)) {
		writeField(&b, name)
		writeField(&b, k.CustomTags[name])
	}
	return b.String()
}

// Hash returns the xxhash of the key's canonical encoding.
func (k HeartbeatMetricKey) Hash() uint64 {
	return xxhash.Sum64String(k.ID())
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
