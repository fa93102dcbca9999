package blockstm

import (
	"fmt"
	"strings"
	"time"

	"github.com/heimdalr/dag"

	"github.com/ethereum/go-ethereum/log"
)

// ExecutionStat records one incarnation's wall-clock window, for the
// post-hoc critical-path report below. It is purely diagnostic: the
// scheduler itself never consults it.
type ExecutionStat struct {
	Start, End uint64 // nanoseconds since the engine's run began
}

// DependencyDAG is a read-after-write dependency graph built from a
// completed block's read sets and output write sets, used to report
// how close the block came to its theoretical critical path.
type DependencyDAG struct {
	*dag.DAG
}

// hasReadDep reports whether any key in fromKeys is a key toReads
// names, meaning a transaction reading toReads could have observed
// fromOut's write.
func hasReadDep[K comparable, V any, D any](fromKeys map[K]struct{}, toReads []ReadDescriptor[K, V, D]) bool {
	for _, rd := range toReads {
		if _, ok := fromKeys[rd.Key]; ok {
			return true
		}
	}
	return false
}

// BuildDependencyDAG walks every pair of transactions in a completed
// block and adds an edge j->i whenever j's final output could have
// produced a value i's final read set observed, i.e. the dependency
// edges actually exercised by the winning execution.
func BuildDependencyDAG[K comparable, V Value[V, D], D comparable, O TransactionOutput[K, V, D]](
	io *LastTxnIO[K, V, D, O], n int,
) DependencyDAG {
	d := DependencyDAG{dag.NewDAG()}
	ids := make(map[int]string, n)

	vertex := func(i int) string {
		if id, ok := ids[i]; ok {
			return id
		}
		id, _ := d.AddVertex(i)
		ids[i] = id
		return id
	}

	// Every transaction is a vertex, so LongestPath and Report can walk
	// vertices by transaction index 0..n-1.
	for i := 0; i < n; i++ {
		vertex(i)
	}

	writeKeys := make([]map[K]struct{}, n)
	for j := 0; j < n; j++ {
		writeKeys[j] = LastModifiedKeys[K, V, D, O](io, TxnIndex(j))
	}

	for i := n - 1; i > 0; i-- {
		reads := io.LastReadSet(TxnIndex(i))
		if len(reads) == 0 {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if hasReadDep(writeKeys[j], reads) {
				if err := d.AddEdge(vertex(j), vertex(i)); err != nil {
					log.Warn("blockstm: failed to add dependency edge", "from", j, "to", i, "err", err)
				}
			}
		}
	}

	return d
}

// LongestPath finds the critical path through the dependency DAG given
// each vertex's observed execution window, returning the path in
// ascending transaction-index order and its total weight.
func (d DependencyDAG) LongestPath(stats map[int]ExecutionStat) ([]int, uint64) {
	n := len(d.GetVertices())
	prev := make(map[int]int, n)
	for i := 0; i < n; i++ {
		prev[i] = -1
	}

	idxToID := make(map[int]string, n)
	for id, v := range d.GetVertices() {
		idxToID[v.(int)] = id
	}

	weights := make(map[int]uint64, n)
	maxPath, maxWeight := 0, uint64(0)

	for i := 0; i < n; i++ {
		parents, _ := d.GetParents(idxToID[i])
		if len(parents) > 0 {
			for _, p := range parents {
				pIdx := p.(int)
				w := weights[pIdx] + stats[i].End - stats[i].Start
				if w > weights[i] {
					weights[i] = w
					prev[i] = pIdx
				}
			}
		} else {
			weights[i] = stats[i].End - stats[i].Start
		}

		if weights[i] > maxWeight {
			maxPath, maxWeight = i, weights[i]
		}
	}

	path := make([]int, 0, n)
	for i := maxPath; i != -1; i = prev[i] {
		path = append(path, i)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, maxWeight
}

// Report logs the critical path and how much parallelism it captured
// relative to a fully serial execution of the same block.
func (d DependencyDAG) Report(stats map[int]ExecutionStat) {
	path, weight := d.LongestPath(stats)

	var serial uint64
	for i := 0; i < len(d.GetVertices()); i++ {
		serial += stats[i].End - stats[i].Start
	}

	strs := make([]string, len(path))
	for i, v := range path {
		strs[i] = fmt.Sprint(v)
	}

	pct := 0.0
	if serial > 0 {
		pct = float64(weight) * 100.0 / float64(serial)
	}

	log.Info("blockstm critical path",
		"length", len(path),
		"path", strings.Join(strs, "->"),
		"idealTime", time.Duration(weight),
		"serialTime", time.Duration(serial),
		"parallelism", fmt.Sprintf("%.1f%%", pct),
	)
}
