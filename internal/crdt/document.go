package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ID is the globally unique identity of an operation, combining the
// originating replica with its logical clock.
type ID struct {
	Replica string `json:"r"`
	Clock   uint64 `json:"c"`
}

// Segment is one level of a position identifier. Digits order characters;
// the replica field breaks ties between concurrent inserts at the same
// digit.
type Segment struct {
	Digit   uint32 `json:"d"`
	Replica string `json:"r"`
}

const maxDigit = uint32(1<<31 - 1)

// Char is a single character of the sequence. Deleted characters remain as
// tombstones so late-arriving deletes and diffs stay resolvable.
type Char struct {
	ID      ID        `json:"id"`
	Pos     []Segment `json:"pos"`
	Value   string    `json:"v"`
	Deleted bool      `json:"del,omitempty"`
}

// Op is a single replicated operation.
type Op struct {
	Type   string `json:"t"` // "ins" | "del"
	ID     ID     `json:"id"`
	Char   *Char  `json:"char,omitempty"`   // ins
	Target ID     `json:"target,omitempty"` // del
}

const (
	opInsert = "ins"
	opDelete = "del"
)

// Update is the unit exchanged between replicas.
type Update struct {
	Ops []Op `json:"ops"`
}

// StateVector summarizes which operations a replica has incorporated: the
// highest clock applied per peer replica.
type StateVector map[string]uint64

// Document is a Logoot-style replicated text sequence. Merge of remote
// updates is commutative and idempotent, and the materialized text is a
// deterministic function of the merged state.
type Document struct {
	mu      sync.Mutex
	replica string

	chars []*Char      // ordered by (Pos, ID)
	byID  map[ID]*Char // includes tombstones

	clock   uint64              // local clock
	applied map[ID]struct{}     // op-level dedup
	log     map[string][]Op     // per-replica op log, clock order
	pending map[ID][]Op         // deletes waiting for their target insert
	maxSeen map[string]uint64   // replica -> highest clock applied
}

func NewDocument(replica string) *Document {
	return &Document{
		replica: replica,
		byID:    make(map[ID]*Char),
		applied: make(map[ID]struct{}),
		log:     make(map[string][]Op),
		pending: make(map[ID][]Op),
		maxSeen: make(map[string]uint64),
	}
}

// Replica returns the document's own replica identifier.
func (d *Document) Replica() string { return d.replica }

// Text materializes the flattened plaintext view.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, c := range d.chars {
		if !c.Deleted {
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// Len is the materialized text length in bytes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n += len(c.Value)
		}
	}
	return n
}

// StateVector snapshots which updates this document has applied.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.maxSeen))
	for r, c := range d.maxSeen {
		sv[r] = c
	}
	return sv
}

// UpdatesSince computes the diff a peer with the given state vector is
// missing. Applying the result on the peer is safe even if parts of it
// were delivered through another path, since merges are idempotent.
func (d *Document) UpdatesSince(sv StateVector) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out Update
	replicas := make([]string, 0, len(d.log))
	for r := range d.log {
		replicas = append(replicas, r)
	}
	sort.Strings(replicas)
	for _, r := range replicas {
		for _, op := range d.log[r] {
			if op.ID.Clock > sv[r] {
				out.Ops = append(out.Ops, op)
			}
		}
	}
	return out
}

// ApplyUpdate merges a peer update into the document. Operations already
// seen are skipped; deletes whose target insert has not arrived yet are
// buffered until it does.
func (d *Document) ApplyUpdate(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range u.Ops {
		d.applyOp(op)
	}
}

// InsertAt inserts text at the given rune index of the materialized view,
// producing the corresponding update. Used to seed a session from
// persisted plaintext and by server-local edits.
func (d *Document) InsertAt(index int, text string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleIndices()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}

	var left []Segment
	if index > 0 {
		left = d.chars[visible[index-1]].Pos
	}
	var right []Segment
	if index < len(visible) {
		right = d.chars[visible[index]].Pos
	}

	var u Update
	for _, r := range text {
		d.clock++
		id := ID{Replica: d.replica, Clock: d.clock}
		pos := posBetween(left, right, d.replica)
		c := &Char{ID: id, Pos: pos, Value: string(r)}
		op := Op{Type: opInsert, ID: id, Char: c}
		d.applyOp(op)
		u.Ops = append(u.Ops, op)
		left = pos
	}
	return u
}

// DeleteAt tombstones count visible runes starting at the given index.
func (d *Document) DeleteAt(index, count int) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleIndices()
	var u Update
	for i := 0; i < count; i++ {
		at := index + i
		if at < 0 || at >= len(visible) {
			break
		}
		target := d.chars[visible[at]].ID
		d.clock++
		op := Op{Type: opDelete, ID: ID{Replica: d.replica, Clock: d.clock}, Target: target}
		d.applyOp(op)
		u.Ops = append(u.Ops, op)
	}
	return u
}

// caller holds d.mu
func (d *Document) applyOp(op Op) {
	if _, dup := d.applied[op.ID]; dup {
		return
	}

	switch op.Type {
	case opInsert:
		if op.Char == nil {
			return
		}
		c := *op.Char // own the memory
		d.insertChar(&c)
		if waiting, ok := d.pending[c.ID]; ok {
			delete(d.pending, c.ID)
			for _, del := range waiting {
				d.applyOp(del)
			}
		}
	case opDelete:
		target, ok := d.byID[op.Target]
		if !ok {
			// Causal predecessor not here yet; buffer without recording the
			// op as applied so a redelivery after the insert still lands.
			d.pending[op.Target] = append(d.pending[op.Target], op)
			return
		}
		target.Deleted = true
	default:
		return
	}

	d.applied[op.ID] = struct{}{}
	d.log[op.ID.Replica] = append(d.log[op.ID.Replica], op)
	if op.ID.Clock > d.maxSeen[op.ID.Replica] {
		d.maxSeen[op.ID.Replica] = op.ID.Clock
	}
	if op.ID.Replica == d.replica && op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
}

// caller holds d.mu
func (d *Document) insertChar(c *Char) {
	d.byID[c.ID] = c
	at := sort.Search(len(d.chars), func(i int) bool {
		return !charLess(d.chars[i], c)
	})
	d.chars = append(d.chars, nil)
	copy(d.chars[at+1:], d.chars[at:])
	d.chars[at] = c
}

// caller holds d.mu
func (d *Document) visibleIndices() []int {
	out := make([]int, 0, len(d.chars))
	for i, c := range d.chars {
		if !c.Deleted {
			out = append(out, i)
		}
	}
	return out
}

func charLess(a, b *Char) bool {
	if cmp := comparePos(a.Pos, b.Pos); cmp != 0 {
		return cmp < 0
	}
	if a.ID.Replica != b.ID.Replica {
		return a.ID.Replica < b.ID.Replica
	}
	return a.ID.Clock < b.ID.Clock
}

func comparePos(a, b []Segment) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Digit != b[i].Digit {
			if a[i].Digit < b[i].Digit {
				return -1
			}
			return 1
		}
		if a[i].Replica != b[i].Replica {
			if a[i].Replica < b[i].Replica {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// posBetween deterministically allocates a position strictly between l and
// r. An empty l means the document start; a nil r means the end.
func posBetween(l, r []Segment, replica string) []Segment {
	var out []Segment
	rBounded := r != nil
	for depth := 0; ; depth++ {
		lseg := Segment{}
		if depth < len(l) {
			lseg = l[depth]
		}
		rd := maxDigit
		if rBounded && depth < len(r) {
			rd = r[depth].Digit
		}
		if rd > lseg.Digit+1 {
			mid := lseg.Digit + (rd-lseg.Digit)/2
			out = append(out, Segment{Digit: mid, Replica: replica})
			return out
		}
		out = append(out, lseg)
		if rBounded && (depth >= len(r) || lseg != r[depth]) {
			rBounded = false
		}
	}
}

// EncodeUpdate serializes an update for the wire.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses a wire update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// EncodeStateVector serializes a state vector for the wire.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	return json.Marshal(sv)
}

// DecodeStateVector parses a wire state vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	var sv StateVector
	if err := json.Unmarshal(b, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}
