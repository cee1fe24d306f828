package chunks

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dray-io/scavd/internal/objectstore"
)

const namePrefix = "chunk-"

// ChunkName is a parsed chunk object name.
type ChunkName struct {
	Number  int
	Version int
}

// ParseName parses the base name of a chunk object, "chunk-NNNNNN.VVVVVV".
func ParseName(base string) (ChunkName, bool) {
	rest, ok := strings.CutPrefix(base, namePrefix)
	if !ok {
		return ChunkName{}, false
	}
	num, ver, ok := strings.Cut(rest, ".")
	if !ok {
		return ChunkName{}, false
	}
	n, ok := parseDigits(num)
	if !ok {
		return ChunkName{}, false
	}
	v, ok := parseDigits(ver)
	if !ok {
		return ChunkName{}, false
	}
	return ChunkName{Number: n, Version: v}, true
}

// FormatName returns the object base name for a chunk version.
func FormatName(number, version int) string {
	return fmt.Sprintf("%s%06d.%06d", namePrefix, number, version)
}

func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// version is one stored version of a chunk.
type version struct {
	ChunkName
	Key  string
	Size int64
}

// group holds every stored version of one chunk, highest version last.
type group struct {
	number   int
	versions []version
}

// latest is the version that must survive.
func (g group) latest() version {
	return g.versions[len(g.versions)-1]
}

// superseded returns every version older than the latest.
func (g group) superseded() []version {
	return g.versions[:len(g.versions)-1]
}

// groupChunks groups objects under prefix by chunk number, dropping keys that
// are not chunk files and chunks numbered below startFrom. Groups are
// ordered by chunk number.
func groupChunks(objs []objectstore.ObjectMeta, prefix string, startFrom int) []group {
	byNumber := make(map[int][]version)
	for _, o := range objs {
		base, ok := strings.CutPrefix(o.Key, prefix)
		if !ok || strings.Contains(base, "/") {
			continue
		}
		name, ok := ParseName(base)
		if !ok || name.Number < startFrom {
			continue
		}
		byNumber[name.Number] = append(byNumber[name.Number], version{ChunkName: name, Key: o.Key, Size: o.Size})
	}

	groups := make([]group, 0, len(byNumber))
	for n, vs := range byNumber {
		sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
		groups = append(groups, group{number: n, versions: vs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].number < groups[j].number })
	return groups
}
