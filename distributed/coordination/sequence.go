package coordination

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// ErrNodeNotMatch is returned when a node name is not a sequence node with
// the expected prefix.
var ErrNodeNotMatch = errors.New("node is not a match")

// Sequence node.
type SequenceNode struct {
	// Name.
	Name string

	// Sequence number.
	SequenceNumber int32
}

func (n SequenceNode) Equals(b SequenceNode) bool {
	return n.SequenceNumber == b.SequenceNumber && n.Name == b.Name
}

// Format a sequence node name the way sequential creation names nodes.
func FormatSequenceName(prefix string, seq int32) string {
	return fmt.Sprintf("%s%010d", prefix, seq)
}

// Ascendingly sorted sequence nodes.
type sequenceNodesAscendingly []SequenceNode

func (l sequenceNodesAscendingly) Len() int {
	return len(l)
}

func (l sequenceNodesAscendingly) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
}

func (l sequenceNodesAscendingly) Less(i, j int) bool {
	return l[i].SequenceNumber < l[j].SequenceNumber
}

// Ascendingly sorted sequence nodes with negative numbers last.
type sequenceNodesAscendinglyNegativeLast []SequenceNode

func (l sequenceNodesAscendinglyNegativeLast) Len() int {
	return len(l)
}

func (l sequenceNodesAscendinglyNegativeLast) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
}

func (l sequenceNodesAscendinglyNegativeLast) Less(i, j int) bool {
	return unwrapped(l[i].SequenceNumber) < unwrapped(l[j].SequenceNumber)
}

func unwrapped(sn int32) int64 {
	if sn < 0 {
		return int64(1<<32) + int64(sn)
	}

	return int64(sn)
}

func sequenceNodeExpr(prefix string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`.*?%s(-?\d+)$`, regexp.QuoteMeta(prefix)))
}

func parseSequenceNode(name string, expr *regexp.Regexp) (SequenceNode, error) {
	groups := expr.FindStringSubmatch(name)
	if len(groups) == 0 {
		return SequenceNode{}, ErrNodeNotMatch
	}

	idx, err := strconv.ParseInt(groups[1], 10, 32)
	if err != nil {
		return SequenceNode{}, err
	}

	return SequenceNode{
		Name:           name,
		SequenceNumber: int32(idx),
	}, nil
}

// Parse a sequence node.
//
// Returns ErrNodeNotMatch if the node does not match the provided prefix or is
// not a sequence node.
func ParseSequenceNode(name, prefix string) (SequenceNode, error) {
	return parseSequenceNode(name, sequenceNodeExpr(prefix))
}

// Parse a list of sequence nodes.
//
// Ignores any node that is not a sequentially numbered node. If a prefix is
// provided, any node where the sequence number is not immediately preceeded by
// the prefix is also ignored.
func ParseSequenceNodes(names []string, prefix string) []SequenceNode {
	expr := sequenceNodeExpr(prefix)
	nodes := make([]SequenceNode, 0, len(names))

	for _, n := range names {
		if sn, err := parseSequenceNode(n, expr); err == nil {
			nodes = append(nodes, sn)
		}
	}

	return nodes
}

// Sort a list of sequence nodes.
//
// Sequence numbers are signed 32 bit integers that wrap around:
//
//	0 .. 2147483647
//	-2147483648 .. -1
//	0 .. 2147483647
//	..
//
// Live sequence numbers are assumed never to be too far apart in the natural,
// overflowing sequence, so:
//
//   - sets within [0 ; 2147483647] sort ascendingly,
//   - sets spanning [0 ; 2147483647] and [-2147483648 ; -1073741824] sort
//     ascendingly with the negative numbers after the positive ones,
//   - sets within [-2147483648 ; 1073741824] sort ascendingly.
func SortSequenceNodes(nodes []SequenceNode) {
	if len(nodes) < 2 {
		return
	}

	snMin := nodes[0].SequenceNumber
	snMax := nodes[0].SequenceNumber

	for _, n := range nodes[1:] {
		if n.SequenceNumber < snMin {
			snMin = n.SequenceNumber
		} else if n.SequenceNumber > snMax {
			snMax = n.SequenceNumber
		}
	}

	if snMin >= int32(-1073741824) || snMax < 0 {
		sort.Stable(sequenceNodesAscendingly(nodes))
	} else {
		sort.Stable(sequenceNodesAscendinglyNegativeLast(nodes))
	}
}

// Find the first pair of adjacent nodes sharing a sequence number in a
// sorted list.
//
// Returns the index of the first node of the pair, or -1.
func FindDuplicateSequence(sorted []SequenceNode) int {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].SequenceNumber == sorted[i-1].SequenceNumber {
			return i - 1
		}
	}

	return -1
}
